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

package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/logging"
)

// Gcloud drives the gcloud CLI for the project-level operations the Compute
// API can't do with a project-scoped key: creating projects, enabling
// services, and minting service-account keys.
type Gcloud struct {
	binary string
}

func NewGcloud() *Gcloud {
	return &Gcloud{binary: "gcloud"}
}

func (g *Gcloud) run(ctx context.Context, args ...string) ([]byte, error) {
	log := logging.FromContext(ctx)
	log.V(1).Info("running gcloud", "args", strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.binary, append(args, "--format=json")...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gcloud %s: %s, %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.Bytes(), nil
}

// CreateProject creates the project, enables the compute API, and returns a
// service-account key for a fresh operator account, ready to store as the
// project's credentials.
func (g *Gcloud) CreateProject(ctx context.Context, projectSlug string) (core.JSONMap, error) {
	if _, err := g.run(ctx, "projects", "create", projectSlug); err != nil {
		return nil, err
	}
	if _, err := g.run(ctx, "services", "enable", "compute.googleapis.com", "--project", projectSlug); err != nil {
		return nil, err
	}
	return g.mintOperatorKey(ctx, projectSlug)
}

// DescribeProject fetches provider-side metadata for an existing project, for
// import.
func (g *Gcloud) DescribeProject(ctx context.Context, projectSlug string) (core.JSONMap, error) {
	out, err := g.run(ctx, "projects", "describe", projectSlug)
	if err != nil {
		return nil, err
	}
	described := core.JSONMap{}
	if err := json.Unmarshal(out, &described); err != nil {
		return nil, fmt.Errorf("decoding project description, %w", err)
	}
	return described, nil
}

// ImportProjectCredentials mints operator credentials for an existing
// project.
func (g *Gcloud) ImportProjectCredentials(ctx context.Context, projectSlug string) (core.JSONMap, error) {
	return g.mintOperatorKey(ctx, projectSlug)
}

func (g *Gcloud) mintOperatorKey(ctx context.Context, projectSlug string) (core.JSONMap, error) {
	account := "make-it-so-operator"
	email := fmt.Sprintf("%s@%s.iam.gserviceaccount.com", account, projectSlug)

	// idempotent: an already-existing account is fine
	if out, err := g.run(ctx, "iam", "service-accounts", "create", account,
		"--project", projectSlug, "--display-name", "make-it-so operator"); err != nil {
		if !strings.Contains(string(out)+err.Error(), "already exists") {
			return nil, err
		}
	}
	if _, err := g.run(ctx, "projects", "add-iam-policy-binding", projectSlug,
		"--member", "serviceAccount:"+email, "--role", "roles/compute.admin"); err != nil {
		return nil, err
	}

	keyFile := filepath.Join(os.TempDir(), fmt.Sprintf("%s-operator-key.json", projectSlug))
	defer os.Remove(keyFile)
	if _, err := g.run(ctx, "iam", "service-accounts", "keys", "create", keyFile,
		"--iam-account", email, "--project", projectSlug); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading service-account key, %w", err)
	}
	key := core.JSONMap{}
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("decoding service-account key, %w", err)
	}
	return key, nil
}
