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
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/farmforce/fieldsync/internal/files"
	"github.com/farmforce/fieldsync/model"
)

// attendanceColumns are the required headers of an attendance upload.
var attendanceColumns = []string{"tns_id", "ffg_id", "module_id", "attended"}

// IngestResult summarizes one processed upload.
type IngestResult struct {
	Run        *model.UploadRun `json:"run"`
	Households int              `json:"households"`
	Attendance int              `json:"attendance"`
	Skipped    int              `json:"skipped"`
}

// IngestAttendanceCSV parses an attendance upload into staged outbox rows and
// kicks off a push. Distinct household numbers in the file are staged into the
// household queue first so the push can create them before attendance needs
// them. The raw file is archived for audit when an archiver is configured.
func (f *Fieldsync) IngestAttendanceCSV(ctx context.Context, projectID, filename string, reader io.Reader) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "Ingesting attendance upload")
	defer span.End()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read upload")
	}

	fileType, err := files.DetectFileType(data, filename)
	if err != nil {
		return nil, err
	}
	if fileType != "text/csv" && fileType != "text/csv; charset=utf-8" {
		return nil, errors.Errorf("unsupported file type %q, expected CSV", fileType)
	}

	run, err := f.resolveRun(ctx, projectID, "")
	if err != nil {
		return nil, err
	}

	if f.archiver != nil {
		key := files.ArchiveKey(projectID, run.RunID, filename)
		location, err := f.archiver.Archive(ctx, key, fileType, bytes.NewReader(data))
		if err != nil {
			// The staged rows are the durable record; a missing archive only
			// loses the audit copy.
			logrus.WithError(err).Warnf("failed to archive upload %s", filename)
		} else {
			if err := f.datasource.UpdateUploadRunFile(ctx, run.RunID, location, filename, fileType, int64(len(data))); err != nil {
				return nil, err
			}
			run.FileURL = location
			run.FileName = filename
			run.FileSize = int64(len(data))
			run.FileMime = fileType
		}
	}

	result, err := f.stageAttendanceRows(ctx, projectID, run.RunID, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	result.Run = run

	if f.queue != nil {
		if err := f.queue.EnqueuePush(ctx, projectID, run.RunID); err != nil {
			logrus.WithError(err).Warnf("failed to enqueue push for project %s", projectID)
		}
	}

	logrus.Infof("ingested %s for project %s: %d attendance rows, %d households, %d skipped",
		filename, projectID, result.Attendance, result.Households, result.Skipped)
	return result, nil
}

// stageAttendanceRows parses the CSV body and inserts outbox rows. Rows
// missing a required value are skipped and counted rather than failing the
// whole upload.
func (f *Fieldsync) stageAttendanceRows(ctx context.Context, projectID, runID string, reader io.Reader) (*IngestResult, error) {
	csvReader := csv.NewReader(bufio.NewReader(reader))

	headers, err := csvReader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read CSV headers")
	}
	columnMap := map[string]int{}
	for i, header := range headers {
		columnMap[strings.ToLower(strings.TrimSpace(header))] = i
	}
	for _, col := range attendanceColumns {
		if _, ok := columnMap[col]; !ok {
			return nil, errors.Errorf("required column %q not found in CSV", col)
		}
	}

	field := func(record []string, name string) string {
		if idx, ok := columnMap[name]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	result := &IngestResult{}
	var attendanceRows []*model.AttendanceOutbox
	var householdRows []*model.HouseholdOutbox
	seenHouseholds := map[string]struct{}{}

	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Skipped++
			continue
		}

		tnsID := field(record, "tns_id")
		ffgID := field(record, "ffg_id")
		moduleID := field(record, "module_id")
		if tnsID == "" || ffgID == "" || moduleID == "" {
			result.Skipped++
			continue
		}

		attended := strings.EqualFold(field(record, "attended"), "true") ||
			field(record, "attended") == "1" ||
			strings.EqualFold(field(record, "attended"), "yes")

		attendanceRows = append(attendanceRows, &model.AttendanceOutbox{
			OutboxBase: model.OutboxBase{
				ProjectID:   projectID,
				UploadRunID: runID,
				Payload:     model.Payload{},
			},
			ParticipantSalesforceID: field(record, "salesforce_id"),
			ParticipantTNSID:        tnsID,
			FFGID:                   ffgID,
			ModuleID:                moduleID,
			Attended:                attended,
		})

		if number := field(record, "household_number"); number != "" {
			composite := model.HouseholdComposite(ffgID, number)
			if _, ok := seenHouseholds[composite]; !ok {
				seenHouseholds[composite] = struct{}{}
				name := number
				if len(name) == 1 {
					name = "0" + name
				}
				householdRows = append(householdRows, &model.HouseholdOutbox{
					OutboxBase: model.OutboxBase{
						ProjectID:   projectID,
						UploadRunID: runID,
						Payload:     model.Payload{"Name": name},
					},
					FFGID:              ffgID,
					HouseholdNumber:    number,
					HouseholdComposite: composite,
				})
			}
		}
	}

	if err := f.datasource.InsertHouseholdOutbox(ctx, householdRows); err != nil {
		return nil, err
	}
	if err := f.datasource.InsertAttendanceOutbox(ctx, attendanceRows); err != nil {
		return nil, err
	}

	result.Households = len(householdRows)
	result.Attendance = len(attendanceRows)
	return result, nil
}
