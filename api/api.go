/*
Copyright 2024 Blnk Finance Authors.

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

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/nuomoria/postbox"
	"github.com/nuomoria/postbox/api/middleware"
	"github.com/nuomoria/postbox/config"
)

type Api struct {
	postbox *postbox.Postbox
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/dispatch", a.DispatchBatch)

	router.POST("/messages", a.EnqueueMessage)
	router.POST("/messages/templates", a.EnqueueTemplate)
	router.GET("/messages/:id", a.GetMessage)
	router.GET("/messages", a.ListMessages)

	router.GET("/stats", a.Stats)
	return a.router
}

// NewAPI builds the gin engine with tracing, rate limiting and, when server.secure is set, secret key auth.
func NewAPI(p *postbox.Postbox) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{postbox: p, router: r}
}
