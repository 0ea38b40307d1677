package router

import (
	"bytes"
	"encoding/json"
	"io"

	"storefront/internal/apperr"
	"storefront/internal/catalog"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// listProducts 查询已上架商品。
func listProducts(repo *catalog.Repository, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := repo.List(c.Request.Context(), c.Query("all") != "1")
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, list)
	}
}

// createProduct 只接受白名单字段（name / sale_price），多余字段直接拒绝。
func createProduct(repo *catalog.Repository, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			badRequest(c, "read body failed")
			return
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		var req catalog.NewProduct
		if err := dec.Decode(&req); err != nil {
			v := &apperr.ValidationError{}
			v.Add("body", err.Error())
			fail(c, logger, v)
			return
		}
		p, err := repo.Create(c.Request.Context(), req)
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, p)
	}
}
