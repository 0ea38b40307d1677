package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"storefront/internal/apperr"
	"storefront/internal/model"
	"storefront/internal/payment"
	"storefront/internal/reconcile"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type paramsFunc func(c *gin.Context) (map[string]string, error)

func queryParams(c *gin.Context) (map[string]string, error) {
	q := c.Request.URL.Query()
	out := make(map[string]string, len(q))
	for k := range q {
		out[k] = q.Get(k)
	}
	return out, nil
}

// jsonParams MoMo IPN 是 JSON body，数字字段按原文保留以便验签。
func jsonParams(c *gin.Context) (map[string]string, error) {
	var raw map[string]any
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = x
		case json.Number:
			out[k] = x.String()
		default:
			b, _ := json.Marshal(x)
			out[k] = string(bytes.TrimSpace(b))
		}
	}
	return out, nil
}

// paymentIPN 渠道服务器回调：始终按渠道约定格式应答。
func paymentIPN(rec *reconcile.Reconciler, provider string, params paramsFunc, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := params(c)
		if err != nil {
			logger.WithError(err).WithField("provider", provider).Warn("unreadable payment callback")
			p = map[string]string{}
		}
		res, err := rec.Reconcile(c.Request.Context(), provider, payment.SourceIPN, p)
		if err != nil {
			fail(c, logger, err)
			return
		}
		c.JSON(res.Ack.Status, res.Ack.Body)
	}
}

// paymentReturn 浏览器回跳：与 IPN 共用对账逻辑，返回前端可展示的结果。
func paymentReturn(rec *reconcile.Reconciler, provider string, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := queryParams(c)
		res, err := rec.Reconcile(c.Request.Context(), provider, payment.SourceReturn, p)
		if err != nil {
			fail(c, logger, err)
			return
		}

		data := gin.H{
			"transaction_ref": res.TransactionRef,
			"result_code":     res.ResultCode,
			"outcome":         res.Outcome.String(),
			"message":         res.Message,
		}
		if res.Order != nil {
			data["order_id"] = res.Order.ID
			data["order_no"] = res.Order.OrderNo
		}

		status := http.StatusOK
		switch res.Outcome {
		case model.CallbackProcessed, model.CallbackDuplicate:
			data["status"] = "success"
			c.JSON(status, gin.H{"code": 0, "data": data})
			return
		case model.CallbackPaymentFailed:
			status = http.StatusBadRequest
		default:
			status = apperr.HTTPStatus(res.Err)
		}
		data["status"] = "failed"
		c.JSON(status, gin.H{"code": status, "msg": res.Message, "data": data})
	}
}

// listCallbacks 管理端查看回调流水，attention=1 只看需人工处理的。
func listCallbacks(rec *reconcile.Reconciler, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil {
			badRequest(c, "limit is invalid")
			return
		}
		list, err := rec.Callbacks(c.Request.Context(), c.Query("attention") == "1", limit)
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, list)
	}
}
