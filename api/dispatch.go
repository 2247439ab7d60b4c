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

	model2 "github.com/nuomoria/postbox/api/model"
	"github.com/nuomoria/postbox/internal/apierror"
)

// DispatchBatch runs one dispatcher batch synchronously and returns its summary.
// Individual send failures are part of the summary; only run-level failures produce an error status.
func (a Api) DispatchBatch(c *gin.Context) {
	var req model2.DispatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
			return
		}
	}

	if err := req.ValidateDispatchRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.postbox.RunBatch(c.Request.Context(), req.BatchSize)
	if err != nil {
		status := apierror.MapErrorToHTTPStatus(err)
		if status == http.StatusServiceUnavailable {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}
