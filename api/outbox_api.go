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
package api

import (
	"net/http"
	"time"

	model2 "github.com/farmforce/fieldsync/api/model"

	"github.com/gin-gonic/gin"
)

func (a Api) GetOutboxProgress(c *gin.Context) {
	projectID, passed := c.Params.Get("projectId")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectId is required. pass id in the route /:projectId"})
		return
	}
	runID := c.Query("runId")

	resp, err := a.fieldsync.GetOutboxProgress(c.Request.Context(), projectID, runID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) RetryOutbox(c *gin.Context) {
	message, err := a.fieldsync.RetryFailedOutbox(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": message})
}

func (a Api) RecoverOutbox(c *gin.Context) {
	recovered, err := a.fieldsync.RecoverStrandedOutbox(c.Request.Context(), time.Hour)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovered": recovered})
}

func (a Api) TriggerPush(c *gin.Context) {
	projectID, passed := c.Params.Get("projectId")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectId is required. pass id in the route /:projectId"})
		return
	}

	if queue := a.fieldsync.Queue(); queue != nil {
		if err := queue.EnqueuePush(c.Request.Context(), projectID, ""); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "push queued"})
		return
	}

	run, err := a.fieldsync.RunSequentialOutboxPush(c.Request.Context(), projectID, "")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (a Api) TriggerPushAll(c *gin.Context) {
	pushed, err := a.fieldsync.PushAllActiveProjects(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"pushed": pushed})
}

func (a Api) StageHouseholds(c *gin.Context) {
	var req model2.StageHouseholds
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := req.ValidateStageHouseholds(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	staged, err := a.fieldsync.StageHouseholdOutbox(c.Request.Context(), req.ProjectID, req.ToOutboxRows())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"staged": staged})
}

func (a Api) StageParticipants(c *gin.Context) {
	var req model2.StageParticipants
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := req.ValidateStageParticipants(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	staged, err := a.fieldsync.StageParticipants(c.Request.Context(), req.ProjectID, req.RunID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"staged": staged})
}

func (a Api) StageAttendance(c *gin.Context) {
	var req model2.StageAttendance
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := req.ValidateStageAttendance(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	staged, err := a.fieldsync.StageAttendanceOutbox(c.Request.Context(), req.ProjectID, req.ToOutboxRows())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"staged": staged})
}

func (a Api) UploadAttendance(c *gin.Context) {
	projectID := c.PostForm("project_id")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id form field is required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer func() {
		_ = file.Close()
	}()

	result, err := a.fieldsync.IngestAttendanceCSV(c.Request.Context(), projectID, fileHeader.Filename, file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (a Api) SyncParticipantsToSalesforce(c *gin.Context) {
	staged, err := a.fieldsync.SyncParticipantsToSalesforce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"staged": staged})
}
