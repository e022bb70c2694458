/*
Copyright 2024 FieldSync Authors.

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

package model

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a unique identifier with a module-specific prefix.
// The prefix keeps identifiers self-describing when they appear in logs and API payloads.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// HouseholdComposite builds the business key used to correlate a household
// between the local store and Salesforce before its remote id is known.
// It is the FFG id joined with the zero-padded two-digit household number.
func HouseholdComposite(ffgID, householdNumber string) string {
	if len(householdNumber) == 1 {
		householdNumber = "0" + householdNumber
	}
	return fmt.Sprintf("%s-%s", ffgID, householdNumber)
}
