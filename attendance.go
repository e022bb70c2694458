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

	"github.com/farmforce/fieldsync/model"
	"github.com/farmforce/fieldsync/salesforce"
)

// lookupParticipantIDsByTNS resolves TNS business ids to Salesforce
// participant ids.
func (f *Fieldsync) lookupParticipantIDsByTNS(ctx context.Context, tnsIDs []string) (map[string]string, error) {
	resolved := make(map[string]string, len(tnsIDs))
	chunk := queryChunkSize()

	for start := 0; start < len(tnsIDs); start += chunk {
		end := start + chunk
		if end > len(tnsIDs) {
			end = len(tnsIDs)
		}
		soql := fmt.Sprintf("SELECT Id, %s FROM %s WHERE %s IN (%s)",
			FieldTNSID, ObjectParticipant, FieldTNSID, salesforce.InClause(tnsIDs[start:end]))
		records, err := salesforce.QueryAll(ctx, f.salesforce, soql)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			key, _ := record[FieldTNSID].(string)
			id, _ := record["Id"].(string)
			if key != "" && id != "" {
				resolved[key] = id
			}
		}
	}
	return resolved, nil
}

// lookupTrainingGroups resolves FFG business ids to training group ids.
func (f *Fieldsync) lookupTrainingGroups(ctx context.Context, ffgIDs []string) (map[string]string, error) {
	resolved := make(map[string]string, len(ffgIDs))
	chunk := queryChunkSize()

	for start := 0; start < len(ffgIDs); start += chunk {
		end := start + chunk
		if end > len(ffgIDs) {
			end = len(ffgIDs)
		}
		soql := fmt.Sprintf("SELECT Id, %s FROM %s WHERE %s IN (%s)",
			FieldFFGID, ObjectTrainingGroup, FieldFFGID, salesforce.InClause(ffgIDs[start:end]))
		records, err := salesforce.QueryAll(ctx, f.salesforce, soql)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			key, _ := record[FieldFFGID].(string)
			id, _ := record["Id"].(string)
			if key != "" && id != "" {
				resolved[key] = id
			}
		}
	}
	return resolved, nil
}

func sessionKey(groupID, moduleID string) string {
	return groupID + "|" + moduleID
}

// lookupTrainingSessions resolves (training group, module) pairs to training
// session ids for the given group ids.
func (f *Fieldsync) lookupTrainingSessions(ctx context.Context, groupIDs []string) (map[string]string, error) {
	resolved := make(map[string]string, len(groupIDs))
	chunk := queryChunkSize()

	for start := 0; start < len(groupIDs); start += chunk {
		end := start + chunk
		if end > len(groupIDs) {
			end = len(groupIDs)
		}
		soql := fmt.Sprintf("SELECT Id, %s, %s FROM %s WHERE %s IN (%s)",
			ObjectTrainingGroup, FieldModule, ObjectTrainingSession, ObjectTrainingGroup, salesforce.InClause(groupIDs[start:end]))
		records, err := salesforce.QueryAll(ctx, f.salesforce, soql)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			groupID, _ := record[ObjectTrainingGroup].(string)
			moduleID, _ := record[FieldModule].(string)
			id, _ := record["Id"].(string)
			if groupID != "" && id != "" {
				resolved[sessionKey(groupID, moduleID)] = id
			}
		}
	}
	return resolved, nil
}

// pushAttendanceChunk pushes one chunk of claimed attendance rows. Every row
// must resolve to a remote participant (by known id or TNS id) and a training
// session (training group by FFG id, then session by group and module) before
// any remote save. Rows that fail resolution are failed immediately without
// spending a remote call.
func (f *Fieldsync) pushAttendanceChunk(ctx context.Context, rows []*model.AttendanceOutbox) *PushResult {
	ctx, span := tracer.Start(ctx, "Pushing attendance chunk")
	defer span.End()

	result := NewPushResult()
	if len(rows) == 0 {
		return result
	}

	allIDs := make([]int64, 0, len(rows))
	tnsSet := map[string]struct{}{}
	ffgSet := map[string]struct{}{}
	for _, row := range rows {
		allIDs = append(allIDs, row.ID)
		if row.ParticipantSalesforceID == "" && row.ParticipantTNSID != "" {
			tnsSet[row.ParticipantTNSID] = struct{}{}
		}
		if row.FFGID != "" {
			ffgSet[row.FFGID] = struct{}{}
		}
	}

	participants, err := f.lookupParticipantIDsByTNS(ctx, keys(tnsSet))
	if err != nil {
		result.FailAll(allIDs, fmt.Sprintf("participant lookup failed: %v", err))
		return result
	}
	groups, err := f.lookupTrainingGroups(ctx, keys(ffgSet))
	if err != nil {
		result.FailAll(allIDs, fmt.Sprintf("training group lookup failed: %v", err))
		return result
	}
	sessions, err := f.lookupTrainingSessions(ctx, values(groups))
	if err != nil {
		result.FailAll(allIDs, fmt.Sprintf("training session lookup failed: %v", err))
		return result
	}

	var creates, updates []model.Payload
	for _, row := range rows {
		participantSF := row.ParticipantSalesforceID
		if participantSF == "" {
			participantSF = participants[row.ParticipantTNSID]
		}
		if participantSF == "" {
			result.Fail(row.ID, fmt.Sprintf("%s not found for TNS id %q", ObjectParticipant, row.ParticipantTNSID))
			continue
		}

		groupID, ok := groups[row.FFGID]
		if !ok {
			result.Fail(row.ID, fmt.Sprintf("%s not found for FFG id %q", ObjectTrainingGroup, row.FFGID))
			continue
		}

		sessionID, ok := sessions[sessionKey(groupID, row.ModuleID)]
		if !ok {
			result.Fail(row.ID, fmt.Sprintf("%s not found for group %q module %q", ObjectTrainingSession, groupID, row.ModuleID))
			continue
		}

		payload := row.Payload.Clone()
		payload[model.RowIDHint] = row.ID
		payload[ObjectParticipant] = participantSF
		payload[ObjectTrainingSession] = sessionID
		payload["Attended__c"] = row.Attended

		if payload.GetString("Id") != "" {
			updates = append(updates, payload)
		} else {
			creates = append(creates, payload)
		}
	}

	f.pushTagged(ctx, ObjectAttendance, false, creates, result)
	f.pushTagged(ctx, ObjectAttendance, true, updates, result)
	return result
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func values(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
