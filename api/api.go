package api

import (
	"net/http"

	"github.com/typesense/typesense-go/typesense/api"

	"github.com/farmforce/fieldsync/config"

	"github.com/farmforce/fieldsync/api/middleware"

	"github.com/farmforce/fieldsync"
	"github.com/gin-gonic/gin"
)

type Api struct {
	fieldsync *fieldsync.Fieldsync
	router    *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/projects", a.CreateProject)
	router.GET("/projects/:id", a.GetProject)

	router.GET("/api/outbox/progress/:projectId", a.GetOutboxProgress)
	router.POST("/api/outbox/retry", a.RetryOutbox)
	router.POST("/api/outbox/recover", a.RecoverOutbox)
	router.POST("/api/outbox/push", a.TriggerPushAll)
	router.POST("/api/outbox/push/:projectId", a.TriggerPush)

	router.POST("/api/outbox/households", a.StageHouseholds)
	router.POST("/api/outbox/participants", a.StageParticipants)
	router.POST("/api/outbox/attendance", a.StageAttendance)
	router.POST("/api/outbox/upload", a.UploadAttendance)

	router.GET("/api/sync/participantsToSalesforce", a.SyncParticipantsToSalesforce)

	router.POST("/search/:collection", a.Search)
	return a.router
}

func NewAPI(f *fieldsync.Fieldsync) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{fieldsync: f, router: r}
}

func (a Api) Search(c *gin.Context) {
	collection, passed := c.Params.Get("collection")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "collection is required. pass id in the route /:collection"})
		return
	}

	var query api.SearchCollectionParams
	err := c.BindJSON(&query)
	if err != nil {
		return
	}

	resp, err := a.fieldsync.Search(collection, &query)

	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}
