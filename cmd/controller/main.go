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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rossrochford/make-it-so/pkg/operator"
	"github.com/rossrochford/make-it-so/pkg/operator/options"
)

func main() {
	opts := options.New().MustParse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, op, err := operator.NewOperator(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting operator: %v\n", err)
		os.Exit(1)
	}
	defer op.Close()

	if err := op.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "operator stopped: %v\n", err)
		os.Exit(1)
	}
}
