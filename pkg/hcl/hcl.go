/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hcl parses declaration documents: one provider block, any number of
// locals blocks merged flat, and resource blocks. ${local.x} and ${file("p")}
// resolve during parsing; ${kind.name.attr} cross-references resolve after a
// topological sort of the document's resources, so a resource can reference
// any attribute a resource before it exports.
package hcl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
)

// Provider is the document's single provider block.
type Provider struct {
	ProviderType string
	ProjectID    string
	ResourcesApp string
}

// Reference is one cross-resource interpolation found in an attribute.
type Reference struct {
	Kind string
	Name string
	Attr string
	// Field is the attribute of the referencing resource the value landed in.
	Field string
}

// Resource is one declared resource with its evaluated attributes, in
// topological order within Document.Resources.
type Resource struct {
	Kind       string
	Name       string
	Attributes core.JSONMap
	References []Reference
}

type Document struct {
	Provider  Provider
	Locals    map[string]any
	Resources []*Resource
}

// CycleError reports a reference cycle among the document's resources.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle_found among resources: %s", strings.Join(e.Nodes, ", "))
}

// ExportsFunc augments a parsed resource's exported attributes before later
// resources evaluate their references to it. Ingestion uses this to expose
// computed identity fields like self_link.
type ExportsFunc func(kind, name string, attributes core.JSONMap) core.JSONMap

type Option func(*parser)

func WithExports(fn ExportsFunc) Option {
	return func(p *parser) { p.exports = fn }
}

// ParseFile parses one document; file() paths resolve relative to it.
func ParseFile(path string, opts ...Option) (*Document, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document, %w", err)
	}
	return Parse(src, path, opts...)
}

func Parse(src []byte, filename string, opts ...Option) (*Document, error) {
	p := &parser{baseDir: filepath.Dir(filename)}
	for _, opt := range opts {
		opt(p)
	}
	return p.parse(src, filename)
}

type parser struct {
	baseDir string
	exports ExportsFunc
}

var documentSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "provider"},
		{Type: "locals"},
		{Type: "resource", LabelNames: []string{"kind", "name"}},
	},
}

func (p *parser) parse(src []byte, filename string) (*Document, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing document, %w", diags)
	}
	content, diags := file.Body.Content(documentSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("reading document blocks, %w", diags)
	}

	var providerBlocks, localsBlocks, resourceBlocks []*hcl.Block
	for _, block := range content.Blocks {
		switch block.Type {
		case "provider":
			providerBlocks = append(providerBlocks, block)
		case "locals":
			localsBlocks = append(localsBlocks, block)
		case "resource":
			resourceBlocks = append(resourceBlocks, block)
		}
	}
	if len(providerBlocks) != 1 {
		return nil, fmt.Errorf("document must have exactly one provider block, found %d", len(providerBlocks))
	}

	baseCtx := &hcl.EvalContext{
		Functions: map[string]function.Function{"file": p.fileFunction()},
		Variables: map[string]cty.Value{},
	}

	locals, err := p.evalLocals(localsBlocks, baseCtx)
	if err != nil {
		return nil, err
	}
	if len(locals) > 0 {
		localVals := map[string]cty.Value{}
		for key, value := range locals {
			localVals[key] = goToCty(value)
		}
		baseCtx.Variables["local"] = cty.ObjectVal(localVals)
	}

	provider, err := p.evalProvider(providerBlocks[0], baseCtx)
	if err != nil {
		return nil, err
	}

	resources, err := p.evalResources(resourceBlocks, baseCtx)
	if err != nil {
		return nil, err
	}

	return &Document{Provider: *provider, Locals: locals, Resources: resources}, nil
}

func (p *parser) fileFunction() function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "path", Type: cty.String}},
		Type:   function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			contents, err := os.ReadFile(filepath.Join(p.baseDir, args[0].AsString()))
			if err != nil {
				return cty.NilVal, err
			}
			return cty.StringVal(strings.TrimSpace(string(contents))), nil
		},
	})
}

func (p *parser) evalLocals(blocks []*hcl.Block, ctx *hcl.EvalContext) (map[string]any, error) {
	locals := map[string]any{}
	for _, block := range blocks {
		attrs, diags := block.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("reading locals, %w", diags)
		}
		for name, attr := range attrs {
			value, diags := attr.Expr.Value(ctx)
			if diags.HasErrors() {
				return nil, fmt.Errorf("evaluating local %s, %w", name, diags)
			}
			locals[name] = ctyToGo(value)
		}
	}
	return locals, nil
}

func (p *parser) evalProvider(block *hcl.Block, ctx *hcl.EvalContext) (*Provider, error) {
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("reading provider block, %w", diags)
	}
	provider := &Provider{}
	for name, attr := range attrs {
		value, diags := attr.Expr.Value(ctx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("evaluating provider.%s, %w", name, diags)
		}
		if value.Type() != cty.String {
			return nil, fmt.Errorf("provider.%s must be a string", name)
		}
		switch name {
		case "provider_type":
			provider.ProviderType = value.AsString()
		case "project_id":
			provider.ProjectID = value.AsString()
		case "resources_app":
			provider.ResourcesApp = value.AsString()
		default:
			return nil, fmt.Errorf("unknown provider attribute %q", name)
		}
	}
	if provider.ProviderType != "google" && provider.ProviderType != "hetzner" {
		return nil, fmt.Errorf("provider_type must be google or hetzner, got %q", provider.ProviderType)
	}
	if provider.ProjectID == "" {
		return nil, fmt.Errorf("provider.project_id is required")
	}
	return provider, nil
}

type pendingResource struct {
	kind       string
	name       string
	attrs      hcl.Attributes
	references []Reference
	index      int
}

func (r *pendingResource) id() string { return r.kind + "." + r.name }

func (p *parser) evalResources(blocks []*hcl.Block, baseCtx *hcl.EvalContext) ([]*Resource, error) {
	pending := []*pendingResource{}
	byID := map[string]*pendingResource{}
	for i, block := range blocks {
		attrs, diags := block.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("reading resource %s.%s, %w", block.Labels[0], block.Labels[1], diags)
		}
		resource := &pendingResource{kind: block.Labels[0], name: block.Labels[1], attrs: attrs, index: i}
		if _, duplicate := byID[resource.id()]; duplicate {
			return nil, fmt.Errorf("duplicate resource %s", resource.id())
		}
		pending = append(pending, resource)
		byID[resource.id()] = resource
	}

	// collect ${kind.name.attr} references; anything rooted outside "local"
	// must name another resource in this document
	for _, resource := range pending {
		for field, attr := range resource.attrs {
			for _, traversal := range attr.Expr.Variables() {
				root := traversal.RootName()
				if root == "local" {
					continue
				}
				reference, err := referenceFromTraversal(root, traversal, field)
				if err != nil {
					return nil, fmt.Errorf("resource %s: %w", resource.id(), err)
				}
				if _, known := byID[reference.Kind+"."+reference.Name]; !known {
					return nil, fmt.Errorf("resource %s references unknown resource %s.%s",
						resource.id(), reference.Kind, reference.Name)
				}
				resource.references = append(resource.references, *reference)
			}
		}
	}

	ordered, err := topoSort(pending, byID)
	if err != nil {
		return nil, err
	}

	resources := []*Resource{}
	resourceVals := map[string]map[string]cty.Value{}
	for _, item := range ordered {
		ctx := baseCtx.NewChild()
		ctx.Variables = map[string]cty.Value{}
		for kind, names := range resourceVals {
			ctx.Variables[kind] = cty.ObjectVal(names)
		}

		attributes := core.JSONMap{}
		for field, attr := range item.attrs {
			value, diags := attr.Expr.Value(ctx)
			if diags.HasErrors() {
				return nil, fmt.Errorf("evaluating %s.%s, %w", item.id(), field, diags)
			}
			attributes[field] = ctyToGo(value)
		}

		exported := attributes
		if p.exports != nil {
			exported = p.exports(item.kind, item.name, attributes)
		}
		exportedVals := map[string]cty.Value{}
		for key, value := range exported {
			exportedVals[key] = goToCty(value)
		}
		if resourceVals[item.kind] == nil {
			resourceVals[item.kind] = map[string]cty.Value{}
		}
		resourceVals[item.kind][item.name] = cty.ObjectVal(exportedVals)

		resources = append(resources, &Resource{
			Kind:       item.kind,
			Name:       item.name,
			Attributes: attributes,
			References: item.references,
		})
	}
	return resources, nil
}

func referenceFromTraversal(root string, traversal hcl.Traversal, field string) (*Reference, error) {
	if len(traversal) < 3 {
		return nil, fmt.Errorf("reference %q must have the form kind.name.attr", root)
	}
	name, ok := traversal[1].(hcl.TraverseAttr)
	if !ok {
		return nil, fmt.Errorf("reference %q must have the form kind.name.attr", root)
	}
	attr, ok := traversal[2].(hcl.TraverseAttr)
	if !ok {
		return nil, fmt.Errorf("reference %q must have the form kind.name.attr", root)
	}
	return &Reference{Kind: root, Name: name.Name, Attr: attr.Name, Field: field}, nil
}

// topoSort orders resources so every referenced resource precedes its
// referencers (Kahn's algorithm, document order among ties).
func topoSort(pending []*pendingResource, byID map[string]*pendingResource) ([]*pendingResource, error) {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, resource := range pending {
		seen := map[string]bool{}
		for _, reference := range resource.references {
			dependency := reference.Kind + "." + reference.Name
			if dependency == resource.id() || seen[dependency] {
				continue
			}
			seen[dependency] = true
			indegree[resource.id()]++
			dependents[dependency] = append(dependents[dependency], resource.id())
		}
	}

	ready := []*pendingResource{}
	for _, resource := range pending {
		if indegree[resource.id()] == 0 {
			ready = append(ready, resource)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })

	ordered := []*pendingResource{}
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)
		for _, dependent := range dependents[next.id()] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, byID[dependent])
				sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
			}
		}
	}
	if len(ordered) != len(pending) {
		cycle := []string{}
		for _, resource := range pending {
			if indegree[resource.id()] > 0 {
				cycle = append(cycle, resource.id())
			}
		}
		sort.Strings(cycle)
		return nil, &CycleError{Nodes: cycle}
	}
	return ordered, nil
}

func ctyToGo(value cty.Value) any {
	if value.IsNull() {
		return nil
	}
	t := value.Type()
	switch {
	case t == cty.String:
		return value.AsString()
	case t == cty.Number:
		f, _ := value.AsBigFloat().Float64()
		return f
	case t == cty.Bool:
		return value.True()
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		items := []any{}
		for it := value.ElementIterator(); it.Next(); {
			_, element := it.Element()
			items = append(items, ctyToGo(element))
		}
		return items
	case t.IsObjectType() || t.IsMapType():
		entries := map[string]any{}
		for it := value.ElementIterator(); it.Next(); {
			key, element := it.Element()
			entries[key.AsString()] = ctyToGo(element)
		}
		return entries
	}
	return nil
}

func goToCty(value any) cty.Value {
	switch v := value.(type) {
	case nil:
		return cty.NullVal(cty.String)
	case string:
		return cty.StringVal(v)
	case bool:
		return cty.BoolVal(v)
	case float64:
		return cty.NumberFloatVal(v)
	case int:
		return cty.NumberIntVal(int64(v))
	case []any:
		if len(v) == 0 {
			return cty.EmptyTupleVal
		}
		items := make([]cty.Value, 0, len(v))
		for _, item := range v {
			items = append(items, goToCty(item))
		}
		return cty.TupleVal(items)
	case map[string]any:
		entries := map[string]cty.Value{}
		for key, item := range v {
			entries[key] = goToCty(item)
		}
		return cty.ObjectVal(entries)
	case core.JSONMap:
		return goToCty(map[string]any(v))
	}
	return cty.StringVal(fmt.Sprintf("%v", value))
}
