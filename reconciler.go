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

	"github.com/sirupsen/logrus"

	"github.com/farmforce/fieldsync/model"
)

// reconcileChunkSize bounds how many pulled rows share one transaction, to
// keep lock duration short on large resyncs.
const reconcileChunkSize = 2000

// UpsertParticipantsSmart reconciles pulled participant rows against the
// local mirror using both identity keys. A Salesforce-id match updates in
// place. A TNS-id-only match normally merges onto the matched record, except
// when the match is an inactive record and the incoming row is an active one
// under a different Salesforce id: then the TNS id is taken over. The stale
// record's key is cleared first, inside the same transaction, so the incoming
// row can claim it without tripping the unique constraint.
//
// Rows matched on neither key are inserted as new. Every write forces the
// outbound dirty flag off; a pull must never re-stage what it just pulled.
func (f *Fieldsync) UpsertParticipantsSmart(ctx context.Context, incoming []*model.Participant) error {
	ctx, span := tracer.Start(ctx, "Reconciling pulled participants")
	defer span.End()

	for start := 0; start < len(incoming); start += reconcileChunkSize {
		end := start + reconcileChunkSize
		if end > len(incoming) {
			end = len(incoming)
		}
		if err := f.reconcileChunk(ctx, incoming[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fieldsync) reconcileChunk(ctx context.Context, incoming []*model.Participant) error {
	var sfIDs, tnsIDs []string
	for _, in := range incoming {
		if in.SalesforceID != "" {
			sfIDs = append(sfIDs, in.SalesforceID)
		}
		if in.TNSID != "" {
			tnsIDs = append(tnsIDs, in.TNSID)
		}
	}

	bySalesforceID := map[string]*model.Participant{}
	if len(sfIDs) > 0 {
		existing, err := f.datasource.GetParticipantsBySalesforceIDs(ctx, sfIDs)
		if err != nil {
			return err
		}
		for _, p := range existing {
			bySalesforceID[p.SalesforceID] = p
		}
	}

	byTNSID := map[string]*model.Participant{}
	if len(tnsIDs) > 0 {
		existing, err := f.datasource.GetParticipantsByTNSIDs(ctx, tnsIDs)
		if err != nil {
			return err
		}
		for _, p := range existing {
			if p.TNSID != "" {
				byTNSID[p.TNSID] = p
			}
		}
	}

	tx, err := f.datasource.BeginTx(ctx)
	if err != nil {
		return err
	}

	for _, in := range incoming {
		in.SendToSalesforce = false

		if existing, ok := bySalesforceID[in.SalesforceID]; ok && in.SalesforceID != "" {
			existing.Merge(in)
			if err := f.datasource.UpdateParticipantInTx(ctx, tx, existing); err != nil {
				_ = tx.Rollback()
				return err
			}
			continue
		}

		if existing, ok := byTNSID[in.TNSID]; ok && in.TNSID != "" {
			if isTakeover(existing, in) {
				if err := f.datasource.ClearParticipantTNSIDInTx(ctx, tx, existing.ParticipantID); err != nil {
					_ = tx.Rollback()
					return err
				}
				existing.TNSID = ""
				delete(byTNSID, in.TNSID)

				fresh := newLocalParticipant(in)
				if err := f.datasource.UpsertParticipantInTx(ctx, tx, fresh); err != nil {
					_ = tx.Rollback()
					return err
				}
				bySalesforceID[fresh.SalesforceID] = fresh
				byTNSID[fresh.TNSID] = fresh
				logrus.Infof("TNS id %s taken over from participant %s by Salesforce id %s",
					in.TNSID, existing.ParticipantID, in.SalesforceID)
				continue
			}

			// Same person reached under a new or missing Salesforce id: merge,
			// keeping whichever remote id is already on file when the pull is
			// silent.
			existing.Merge(in)
			if err := f.datasource.UpdateParticipantInTx(ctx, tx, existing); err != nil {
				_ = tx.Rollback()
				return err
			}
			if existing.SalesforceID != "" {
				bySalesforceID[existing.SalesforceID] = existing
			}
			continue
		}

		fresh := newLocalParticipant(in)
		if err := f.datasource.UpsertParticipantInTx(ctx, tx, fresh); err != nil {
			_ = tx.Rollback()
			return err
		}
		if fresh.SalesforceID != "" {
			bySalesforceID[fresh.SalesforceID] = fresh
		}
		if fresh.TNSID != "" {
			byTNSID[fresh.TNSID] = fresh
		}
	}

	return tx.Commit()
}

// isTakeover reports whether the incoming row claims the business key of a
// stale record: the local match is inactive, the incoming row is active, and
// the two carry different Salesforce ids.
func isTakeover(existing, in *model.Participant) bool {
	return existing.Status == model.ParticipantInactive &&
		in.Status == model.ParticipantActive &&
		in.SalesforceID != "" &&
		existing.SalesforceID != in.SalesforceID
}

// newLocalParticipant builds a local record for an incoming row that has no
// local identity yet.
func newLocalParticipant(in *model.Participant) *model.Participant {
	fresh := *in
	fresh.ParticipantID = model.GenerateUUIDWithSuffix("prt")
	fresh.SendToSalesforce = false
	return &fresh
}
