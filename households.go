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

package fieldsync

import (
	"context"
	"fmt"

	"github.com/farmforce/fieldsync/config"
	"github.com/farmforce/fieldsync/model"
	"github.com/farmforce/fieldsync/salesforce"
)

// Salesforce object names the pipeline reads and writes.
const (
	ObjectHousehold       = "Household__c"
	ObjectParticipant     = "Participant__c"
	ObjectTrainingGroup   = "Training_Group__c"
	ObjectTrainingSession = "Training_Session__c"
	ObjectAttendance      = "Attendance__c"
)

// Salesforce field names used for business-key resolution.
const (
	FieldHouseholdKey = "Household_Key__c"
	FieldTNSID        = "TNS_Id__c"
	FieldFFGID        = "FFG_ID__c"
	FieldModule       = "Module__c"
)

// queryChunkSize bounds the number of ids interpolated into one SOQL IN list.
func queryChunkSize() int {
	cnf, err := config.Fetch()
	if err != nil {
		return 500
	}
	return cnf.Salesforce.QueryChunk
}

// rowIDFrom reads the row tag off a payload. Tags are attached in memory at
// claim time so the value is always an int64, but payloads that round-tripped
// through JSON carry float64.
func rowIDFrom(p model.Payload) int64 {
	switch v := p[model.RowIDHint].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

// pushTagged sends one ordered set of row-tagged payloads as a bulk create or
// update and maps the positional results back to outbox row ids. Hints are
// stripped at this serialization boundary and never earlier; records must not
// be reordered after tagging. A transport-level failure fails every row in
// the set with the same message.
func (f *Fieldsync) pushTagged(ctx context.Context, object string, update bool, tagged []model.Payload, result *PushResult) {
	if len(tagged) == 0 {
		return
	}

	rowIDs := make([]int64, len(tagged))
	records := make([]map[string]interface{}, len(tagged))
	for i, p := range tagged {
		rowIDs[i] = rowIDFrom(p)
		records[i] = map[string]interface{}(p.StripHints())
	}

	var results []salesforce.SaveResult
	var err error
	if update {
		results, err = f.salesforce.Update(ctx, object, records)
	} else {
		results, err = f.salesforce.Create(ctx, object, records)
	}
	if err != nil {
		result.FailAll(rowIDs, err.Error())
		return
	}

	for i, res := range results {
		if res.Success {
			result.Succeed(rowIDs[i])
		} else {
			result.Fail(rowIDs[i], res.ErrorMessage())
		}
	}
}

// lookupHouseholdIDs resolves household composite business keys to Salesforce
// ids, chunking the IN lists to the remote query limit.
func (f *Fieldsync) lookupHouseholdIDs(ctx context.Context, composites []string) (map[string]string, error) {
	resolved := make(map[string]string, len(composites))
	chunk := queryChunkSize()

	for start := 0; start < len(composites); start += chunk {
		end := start + chunk
		if end > len(composites) {
			end = len(composites)
		}
		soql := fmt.Sprintf("SELECT Id, %s FROM %s WHERE %s IN (%s)",
			FieldHouseholdKey, ObjectHousehold, FieldHouseholdKey, salesforce.InClause(composites[start:end]))
		records, err := salesforce.QueryAll(ctx, f.salesforce, soql)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			key, _ := record[FieldHouseholdKey].(string)
			id, _ := record["Id"].(string)
			if key != "" && id != "" {
				resolved[key] = id
			}
		}
	}
	return resolved, nil
}

// pushHouseholdChunk pushes one chunk of claimed household rows. Each row is
// resolved against the remote org by its composite key: known keys become
// updates carrying the resolved id, unknown keys become creates. The two sub
// batches keep their claim order so positional results stay mappable.
func (f *Fieldsync) pushHouseholdChunk(ctx context.Context, rows []*model.HouseholdOutbox) *PushResult {
	ctx, span := tracer.Start(ctx, "Pushing household chunk")
	defer span.End()

	result := NewPushResult()
	if len(rows) == 0 {
		return result
	}

	composites := make([]string, 0, len(rows))
	for _, row := range rows {
		composites = append(composites, row.HouseholdComposite)
	}

	resolved, err := f.lookupHouseholdIDs(ctx, composites)
	if err != nil {
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		result.FailAll(ids, fmt.Sprintf("household lookup failed: %v", err))
		return result
	}

	var creates, updates []model.Payload
	for _, row := range rows {
		payload := row.Payload.Clone()
		payload[model.RowIDHint] = row.ID
		payload[FieldHouseholdKey] = row.HouseholdComposite
		if row.TrainingGroupID != "" {
			payload[ObjectTrainingGroup] = row.TrainingGroupID
		}

		if sfID, ok := resolved[row.HouseholdComposite]; ok {
			payload["Id"] = sfID
			updates = append(updates, payload)
		} else {
			creates = append(creates, payload)
		}
	}

	f.pushTagged(ctx, ObjectHousehold, false, creates, result)
	f.pushTagged(ctx, ObjectHousehold, true, updates, result)
	return result
}
