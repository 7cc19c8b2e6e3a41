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

package core

import (
	"time"
)

// ProviderType selects the cloud provider backing a project.
type ProviderType string

const (
	ProviderGoogle  ProviderType = "google"
	ProviderHetzner ProviderType = "hetzner"
)

// ValidProviderType reports whether the string names a supported provider.
func ValidProviderType(s string) bool {
	return ProviderType(s) == ProviderGoogle || ProviderType(s) == ProviderHetzner
}

// Account owns projects. A default nobody-account is seeded by init-db.
type Account struct {
	ID        string    `db:"id" json:"id"`
	Slug      string    `db:"slug" json:"slug"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Project scopes resources to one cloud project/account. Slug is the
// provider-side project id; Credentials holds the service-account key used to
// build API clients.
type Project struct {
	ID                   string       `db:"id" json:"id"`
	Slug                 string       `db:"slug" json:"slug"`
	AccountID            string       `db:"account_id" json:"account_id"`
	ProviderType         ProviderType `db:"provider_type" json:"provider_type"`
	ProviderSpecificData JSONMap      `db:"provider_specific_data" json:"provider_specific_data,omitempty"`
	Credentials          JSONMap      `db:"credentials" json:"credentials,omitempty"`
	CreatedAt            time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time    `db:"updated_at" json:"updated_at"`
}
