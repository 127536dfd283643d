// Localcloud
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package dynamo implements the DynamoDB 2012-08-10 JSON wire protocol on
// top of the table engine: X-Amz-Target dispatch, attribute-value JSON,
// and the crc32 response trailer headers.
package dynamo

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud"
	"github.com/gravitational/localcloud/lib/awssig"
	"github.com/gravitational/localcloud/lib/defaults"
	"github.com/gravitational/localcloud/lib/dynamo/api"
	"github.com/gravitational/localcloud/lib/dynamo/attr"
	"github.com/gravitational/localcloud/lib/dynamo/table"
)

// TargetPrefix is the X-Amz-Target prefix selecting the 2012-08-10 API.
const TargetPrefix = "DynamoDB_20120810."

// Config holds Handler parameters.
type Config struct {
	// Engine is the table engine. Required.
	Engine *table.Engine
	// Verifier checks request signatures. Nil disables verification.
	Verifier *awssig.Verifier
	// Logger is the parent logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Handler serves the DynamoDB JSON API.
type Handler struct {
	cfg Config
	log *slog.Logger
}

// NewHandler creates a DynamoDB protocol handler.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Handler{
		cfg: cfg,
		log: cfg.Logger.With(localcloud.ComponentKey, localcloud.ComponentDynamo),
	}, nil
}

// ServeHTTP dispatches one DynamoDB request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := w.Header().Get("x-amz-request-id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("x-amzn-RequestId", requestID)

	out, err := h.dispatch(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) dispatch(r *http.Request) (any, error) {
	if r.Method != http.MethodPost {
		return nil, api.Errorf(api.ErrMissingAction, "only POST is supported")
	}
	if err := h.verify(r); err != nil {
		return nil, trace.Wrap(err)
	}

	target := r.Header.Get("X-Amz-Target")
	op, ok := strings.CutPrefix(target, TargetPrefix)
	if !ok || op == "" {
		return nil, api.Errorf(api.ErrMissingAction, "missing or unrecognized X-Amz-Target %q", target)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, defaults.MaxRequestBodySize))
	if err != nil {
		return nil, api.Errorf(api.ErrSerialization, "reading request body: %v", err)
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	h.log.DebugContext(r.Context(), "Handling request.", "op", op)

	switch op {
	case "CreateTable":
		return h.createTable(body)
	case "DeleteTable":
		return h.deleteTable(body)
	case "DescribeTable":
		return h.describeTable(body)
	case "ListTables":
		return h.listTables(body)
	case "PutItem":
		return h.putItem(body)
	case "GetItem":
		return h.getItem(body)
	case "UpdateItem":
		return h.updateItem(body)
	case "DeleteItem":
		return h.deleteItem(body)
	case "Query":
		return h.query(body)
	case "Scan":
		return h.scan(body)
	case "BatchGetItem":
		return h.batchGetItem(body)
	case "BatchWriteItem":
		return h.batchWriteItem(body)
	}
	return nil, api.Errorf(api.ErrMissingAction, "unknown operation %s", op)
}

// verify checks the request signature when a verifier is configured.
func (h *Handler) verify(r *http.Request) error {
	if h.cfg.Verifier == nil {
		return nil
	}
	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = awssig.UnsignedPayload
	}
	return trace.Wrap(h.cfg.Verifier.Verify(r, payloadHash))
}

func decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		if trace.IsBadParameter(err) {
			return api.Validation("%s", trace.UserMessage(err))
		}
		return api.Errorf(api.ErrSerialization, "%v", err)
	}
	return nil
}

// rejectLegacy fails requests carrying pre-expression API parameters.
func rejectLegacy(params map[string]json.RawMessage) error {
	for name, raw := range params {
		if len(raw) > 0 && string(raw) != "null" {
			return api.Validation("legacy parameter %s is not supported, use expressions", name)
		}
	}
	return nil
}

func (h *Handler) createTable(body []byte) (any, error) {
	var req createTableRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	keys := make([]table.KeyElement, 0, len(req.KeySchema))
	for _, k := range req.KeySchema {
		keys = append(keys, table.KeyElement{Name: k.AttributeName, KeyType: k.KeyType})
	}
	attrs := make([]table.AttributeDefinition, 0, len(req.AttributeDefinitions))
	for _, d := range req.AttributeDefinitions {
		attrs = append(attrs, table.AttributeDefinition{Name: d.AttributeName, Type: d.AttributeType})
	}
	desc, err := h.cfg.Engine.CreateTable(req.TableName, keys, attrs, req.BillingMode)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return createTableResponse{TableDescription: toWireDescription(desc)}, nil
}

func (h *Handler) deleteTable(body []byte) (any, error) {
	var req deleteTableRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	desc, err := h.cfg.Engine.DeleteTable(req.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return createTableResponse{TableDescription: toWireDescription(desc)}, nil
}

func (h *Handler) describeTable(body []byte) (any, error) {
	var req describeTableRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	desc, err := h.cfg.Engine.DescribeTable(req.TableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return describeTableResponse{Table: toWireDescription(desc)}, nil
}

func (h *Handler) listTables(body []byte) (any, error) {
	var req listTablesRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	names, last, err := h.cfg.Engine.ListTables(req.ExclusiveStartTableName, req.Limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if names == nil {
		names = []string{}
	}
	return listTablesResponse{TableNames: names, LastEvaluatedTableName: last}, nil
}

func (h *Handler) putItem(body []byte) (any, error) {
	var req putItemRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := rejectLegacy(map[string]json.RawMessage{"Expected": req.Expected}); err != nil {
		return nil, trace.Wrap(err)
	}
	old, err := h.cfg.Engine.PutItem(req.TableName, table.PutItemInput{
		Item:         req.Item,
		Condition:    req.ConditionExpression,
		Names:        req.ExpressionAttributeNames,
		Values:       req.ExpressionAttributeValues,
		ReturnValues: req.ReturnValues,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return attributesResponse{Attributes: old}, nil
}

func (h *Handler) getItem(body []byte) (any, error) {
	var req getItemRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := rejectLegacy(map[string]json.RawMessage{"AttributesToGet": req.AttributesToGet}); err != nil {
		return nil, trace.Wrap(err)
	}
	item, err := h.cfg.Engine.GetItem(req.TableName, table.GetItemInput{
		Key:        req.Key,
		Projection: req.ProjectionExpression,
		Names:      req.ExpressionAttributeNames,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return getItemResponse{Item: item}, nil
}

func (h *Handler) updateItem(body []byte) (any, error) {
	var req updateItemRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := rejectLegacy(map[string]json.RawMessage{
		"AttributeUpdates": req.AttributeUpdates,
		"Expected":         req.Expected,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := h.cfg.Engine.UpdateItem(req.TableName, table.UpdateItemInput{
		Key:          req.Key,
		Update:       req.UpdateExpression,
		Condition:    req.ConditionExpression,
		Names:        req.ExpressionAttributeNames,
		Values:       req.ExpressionAttributeValues,
		ReturnValues: req.ReturnValues,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return attributesResponse{Attributes: out}, nil
}

func (h *Handler) deleteItem(body []byte) (any, error) {
	var req deleteItemRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := rejectLegacy(map[string]json.RawMessage{"Expected": req.Expected}); err != nil {
		return nil, trace.Wrap(err)
	}
	old, err := h.cfg.Engine.DeleteItem(req.TableName, table.DeleteItemInput{
		Key:          req.Key,
		Condition:    req.ConditionExpression,
		Names:        req.ExpressionAttributeNames,
		Values:       req.ExpressionAttributeValues,
		ReturnValues: req.ReturnValues,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return attributesResponse{Attributes: old}, nil
}

func (h *Handler) query(body []byte) (any, error) {
	var req queryRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := rejectLegacy(map[string]json.RawMessage{
		"KeyConditions": req.KeyConditions,
		"QueryFilter":   req.QueryFilter,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.IndexName != "" {
		return nil, api.Validation("secondary indexes are not supported")
	}
	forward := true
	if req.ScanIndexForward != nil {
		forward = *req.ScanIndexForward
	}
	page, err := h.cfg.Engine.Query(req.TableName, table.QueryInput{
		KeyCondition:      req.KeyConditionExpression,
		Filter:            req.FilterExpression,
		Projection:        req.ProjectionExpression,
		Names:             req.ExpressionAttributeNames,
		Values:            req.ExpressionAttributeValues,
		Limit:             req.Limit,
		ExclusiveStartKey: req.ExclusiveStartKey,
		ScanForward:       forward,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return toPageResponse(page), nil
}

func (h *Handler) scan(body []byte) (any, error) {
	var req scanRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := rejectLegacy(map[string]json.RawMessage{"ScanFilter": req.ScanFilter}); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.IndexName != "" {
		return nil, api.Validation("secondary indexes are not supported")
	}
	if (req.Segment == nil) != (req.TotalSegments == nil) {
		return nil, api.Validation("Segment and TotalSegments must be supplied together")
	}
	in := table.ScanInput{
		Filter:            req.FilterExpression,
		Projection:        req.ProjectionExpression,
		Names:             req.ExpressionAttributeNames,
		Values:            req.ExpressionAttributeValues,
		Limit:             req.Limit,
		ExclusiveStartKey: req.ExclusiveStartKey,
	}
	if req.TotalSegments != nil {
		in.Segment = *req.Segment
		in.TotalSegments = *req.TotalSegments
	}
	page, err := h.cfg.Engine.Scan(req.TableName, in)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return toPageResponse(page), nil
}

func toPageResponse(page *table.Page) pageResponse {
	items := page.Items
	if items == nil {
		items = []attr.Item{}
	}
	return pageResponse{
		Items:            items,
		Count:            page.Count,
		ScannedCount:     page.ScannedCount,
		LastEvaluatedKey: page.LastEvaluatedKey,
	}
}

func (h *Handler) batchGetItem(body []byte) (any, error) {
	var req batchGetItemRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(req.RequestItems) == 0 {
		return nil, api.Validation("RequestItems must not be empty")
	}
	total := 0
	for _, t := range req.RequestItems {
		total += len(t.Keys)
	}
	if total > defaults.DynamoMaxBatchGetItems {
		return nil, api.Validation("too many items requested for the BatchGetItem call, max is %d", defaults.DynamoMaxBatchGetItems)
	}

	out := batchGetItemResponse{
		Responses:       make(map[string][]attr.Item),
		UnprocessedKeys: map[string]batchGetRequestTable{},
	}
	for tableName, t := range req.RequestItems {
		if err := rejectLegacy(map[string]json.RawMessage{"AttributesToGet": t.AttributesToGet}); err != nil {
			return nil, trace.Wrap(err)
		}
		if len(t.Keys) == 0 {
			return nil, api.Validation("the Keys list of table %s must not be empty", tableName)
		}
		items := []attr.Item{}
		for _, key := range t.Keys {
			item, err := h.cfg.Engine.GetItem(tableName, table.GetItemInput{
				Key:        key,
				Projection: t.ProjectionExpression,
				Names:      t.ExpressionAttributeNames,
			})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if item != nil {
				items = append(items, item)
			}
		}
		out.Responses[tableName] = items
	}
	return out, nil
}

func (h *Handler) batchWriteItem(body []byte) (any, error) {
	var req batchWriteItemRequest
	if err := decode(body, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(req.RequestItems) == 0 {
		return nil, api.Validation("RequestItems must not be empty")
	}
	total := 0
	for _, writes := range req.RequestItems {
		total += len(writes)
	}
	if total > defaults.DynamoMaxBatchWriteItems {
		return nil, api.Validation("too many items requested for the BatchWriteItem call, max is %d", defaults.DynamoMaxBatchWriteItems)
	}

	for tableName, writes := range req.RequestItems {
		if len(writes) == 0 {
			return nil, api.Validation("the request list of table %s must not be empty", tableName)
		}
		seen := make(map[string]bool)
		for _, write := range writes {
			switch {
			case write.PutRequest != nil && write.DeleteRequest != nil:
				return nil, api.Validation("a batch write request must carry exactly one of PutRequest and DeleteRequest")
			case write.PutRequest == nil && write.DeleteRequest == nil:
				return nil, api.Validation("a batch write request must carry one of PutRequest and DeleteRequest")
			}
			key, err := h.batchWriteKey(tableName, write)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if seen[key] {
				return nil, api.Validation("provided list of item keys contains duplicates")
			}
			seen[key] = true
		}
	}

	for tableName, writes := range req.RequestItems {
		for _, write := range writes {
			var err error
			if write.PutRequest != nil {
				_, err = h.cfg.Engine.PutItem(tableName, table.PutItemInput{Item: write.PutRequest.Item})
			} else {
				_, err = h.cfg.Engine.DeleteItem(tableName, table.DeleteItemInput{Key: write.DeleteRequest.Key})
			}
			if err != nil {
				return nil, trace.Wrap(err)
			}
		}
	}
	return batchWriteItemResponse{UnprocessedItems: map[string][]batchWriteRequest{}}, nil
}

// batchWriteKey renders the write's item key for duplicate detection.
func (h *Handler) batchWriteKey(tableName string, write batchWriteRequest) (string, error) {
	var source attr.Item
	if write.PutRequest != nil {
		source = write.PutRequest.Item
	} else {
		source = write.DeleteRequest.Key
	}
	key, err := h.cfg.Engine.ItemKey(tableName, source)
	if err != nil {
		return "", trace.Wrap(err)
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return fmt.Sprintf("%s/%s", tableName, raw), nil
}

// writeJSON marshals v with the protocol content type and crc32 header.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"__type":"` + api.ErrInternalServerError.Type() + `","Message":"response encoding failed"}`)
	}
	w.Header().Set("Content-Type", "application/x-amz-json-1.0")
	w.Header().Set("x-amz-crc32", fmt.Sprintf("%d", crc32.ChecksumIEEE(body)))
	w.WriteHeader(status)
	w.Write(body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{
		Type:    api.ErrInternalServerError.Type(),
		Message: trace.UserMessage(err),
	}
	status := http.StatusInternalServerError

	if e, ok := api.AsError(err); ok {
		resp.Type = e.Code.Type()
		resp.Message = e.Message
		status = e.Code.Status()
	} else if code := awssig.ErrorCode(err); code != "" || trace.IsNotFound(err) {
		resp.Type = api.ErrUnrecognizedClient.Type()
		resp.Message = "the security token included in the request is invalid"
		status = api.ErrUnrecognizedClient.Status()
	} else if trace.IsBadParameter(err) {
		resp.Type = api.ErrValidation.Type()
		status = api.ErrValidation.Status()
	}

	h.log.DebugContext(r.Context(), "Request failed.", "error", err, "type", resp.Type)
	h.writeJSON(w, status, resp)
}
