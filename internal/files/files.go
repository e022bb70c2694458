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

package files

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"

	"github.com/farmforce/fieldsync/config"
)

// DetectFileType detects the MIME type of an upload, preferring the file
// extension and falling back to content sniffing. Plain text that parses as
// comma-separated rows is reported as CSV so spreadsheet exports without an
// extension still work.
func DetectFileType(data []byte, filename string) (string, error) {
	if mimeType := detectByExtension(filename); mimeType != "" {
		return mimeType, nil
	}
	return detectByContent(data)
}

func detectByExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return mime.TypeByExtension(ext)
}

func detectByContent(data []byte) (string, error) {
	mimeType := http.DetectContentType(data)

	switch mimeType {
	case "application/octet-stream", "text/plain", "text/plain; charset=utf-8":
		if looksLikeCSV(data) {
			return "text/csv", nil
		}
		if json.Valid(data) {
			return "application/json", nil
		}
		return "text/plain", nil
	case "text/csv; charset=utf-8":
		return "text/csv", nil
	default:
		return mimeType, nil
	}
}

// looksLikeCSV requires at least two lines with a consistent field count.
func looksLikeCSV(data []byte) bool {
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) < 2 {
		return false
	}

	fields := bytes.Count(lines[0], []byte(",")) + 1
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		if bytes.Count(line, []byte(","))+1 != fields {
			return false
		}
	}

	return fields > 1
}

// Archiver stores raw upload files so a run can always be traced back to the
// file that produced it.
type Archiver interface {
	Archive(ctx context.Context, key string, contentType string, body io.Reader) (string, error)
}

// S3Archiver uploads run files to the configured S3 bucket.
type S3Archiver struct {
	bucket   string
	uploader *s3manager.Uploader
}

// NewS3Archiver builds an Archiver from the S3 section of the configuration.
func NewS3Archiver() (*S3Archiver, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	if cfg.S3.Bucket == "" {
		return nil, errors.New("s3 bucket is not configured")
	}

	awsConfig := &aws.Config{
		Region: aws.String(cfg.S3.Region),
	}
	if cfg.S3.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, "")
	}
	if cfg.S3.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.S3.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create aws session")
	}

	return &S3Archiver{
		bucket:   cfg.S3.Bucket,
		uploader: s3manager.NewUploader(sess),
	}, nil
}

// Archive uploads the file body under the given key and returns its location.
func (a *S3Archiver) Archive(ctx context.Context, key string, contentType string, body io.Reader) (string, error) {
	out, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Body:        body,
		ACL:         aws.String(s3.ObjectCannedACLPrivate),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to archive %s", key)
	}
	return out.Location, nil
}

// ArchiveKey builds the object key for a run file. Keys are grouped by project
// so bucket lifecycle rules can expire them per tenant.
func ArchiveKey(projectID, runID, filename string) string {
	return fmt.Sprintf("uploads/%s/%s/%s", projectID, runID, filepath.Base(filename))
}
