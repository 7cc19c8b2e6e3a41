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

package rand

import (
	"math/rand"
)

// alphabet excludes '0' and uppercase so ids survive DNS-label contexts.
const alphabet = "123456789abcdefghijklmnopqrstuvwxyz"

const idLength = 16

// ID returns a 16-character opaque identifier used as the primary key for
// every stored entity.
func ID() string {
	b := make([]byte, idLength)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))] //nolint
	}
	return string(b)
}

// String returns a random lowercase string of the given length, used for
// test fixture names.
func String(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))] //nolint
	}
	return string(b)
}
