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

package dynamo

import (
	"encoding/json"
	"time"

	"github.com/gravitational/localcloud/lib/dynamo/attr"
	"github.com/gravitational/localcloud/lib/dynamo/table"
)

// Wire structs for the 2012-08-10 JSON protocol. Item maps use attr.Item,
// which marshals the tagged-union attribute encoding.

type wireKeyElement struct {
	AttributeName string `json:"AttributeName"`
	KeyType       string `json:"KeyType"`
}

type wireAttributeDefinition struct {
	AttributeName string `json:"AttributeName"`
	AttributeType string `json:"AttributeType"`
}

type wireProvisionedThroughput struct {
	ReadCapacityUnits      int64 `json:"ReadCapacityUnits"`
	WriteCapacityUnits     int64 `json:"WriteCapacityUnits"`
	NumberOfDecreasesToday int64 `json:"NumberOfDecreasesToday"`
}

type wireBillingModeSummary struct {
	BillingMode string `json:"BillingMode"`
}

type wireTableDescription struct {
	TableName             string                    `json:"TableName"`
	TableID               string                    `json:"TableId"`
	TableARN              string                    `json:"TableArn"`
	TableStatus           string                    `json:"TableStatus"`
	CreationDateTime      float64                   `json:"CreationDateTime"`
	AttributeDefinitions  []wireAttributeDefinition `json:"AttributeDefinitions"`
	KeySchema             []wireKeyElement          `json:"KeySchema"`
	ItemCount             int64                     `json:"ItemCount"`
	TableSizeBytes        int64                     `json:"TableSizeBytes"`
	BillingModeSummary    wireBillingModeSummary    `json:"BillingModeSummary"`
	ProvisionedThroughput wireProvisionedThroughput `json:"ProvisionedThroughput"`
}

func toWireDescription(desc *table.Description) wireTableDescription {
	out := wireTableDescription{
		TableName:        desc.Name,
		TableID:          desc.ID,
		TableARN:         desc.ARN,
		TableStatus:      desc.Status,
		CreationDateTime: float64(desc.Created.UnixNano()) / float64(time.Second),
		ItemCount:        desc.ItemCount,
		TableSizeBytes:   desc.SizeBytes,
		BillingModeSummary: wireBillingModeSummary{
			BillingMode: desc.BillingMode,
		},
		ProvisionedThroughput: wireProvisionedThroughput{
			ReadCapacityUnits:  5,
			WriteCapacityUnits: 5,
		},
	}
	for _, def := range desc.Attributes {
		out.AttributeDefinitions = append(out.AttributeDefinitions, wireAttributeDefinition{
			AttributeName: def.Name,
			AttributeType: def.Type,
		})
	}
	for _, key := range desc.KeySchema {
		out.KeySchema = append(out.KeySchema, wireKeyElement{
			AttributeName: key.Name,
			KeyType:       key.KeyType,
		})
	}
	return out
}

type createTableRequest struct {
	TableName             string                    `json:"TableName"`
	KeySchema             []wireKeyElement          `json:"KeySchema"`
	AttributeDefinitions  []wireAttributeDefinition `json:"AttributeDefinitions"`
	BillingMode           string                    `json:"BillingMode"`
	ProvisionedThroughput json.RawMessage           `json:"ProvisionedThroughput"`
}

type createTableResponse struct {
	TableDescription wireTableDescription `json:"TableDescription"`
}

type deleteTableRequest struct {
	TableName string `json:"TableName"`
}

type describeTableRequest struct {
	TableName string `json:"TableName"`
}

type describeTableResponse struct {
	Table wireTableDescription `json:"Table"`
}

type listTablesRequest struct {
	ExclusiveStartTableName string `json:"ExclusiveStartTableName"`
	Limit                   int    `json:"Limit"`
}

type listTablesResponse struct {
	TableNames             []string `json:"TableNames"`
	LastEvaluatedTableName string   `json:"LastEvaluatedTableName,omitempty"`
}

type putItemRequest struct {
	TableName                 string                `json:"TableName"`
	Item                      attr.Item             `json:"Item"`
	ConditionExpression       string                `json:"ConditionExpression"`
	ExpressionAttributeNames  map[string]string     `json:"ExpressionAttributeNames"`
	ExpressionAttributeValues map[string]attr.Value `json:"ExpressionAttributeValues"`
	ReturnValues              string                `json:"ReturnValues"`
	Expected                  json.RawMessage       `json:"Expected"`
	ConditionalOperator       string                `json:"ConditionalOperator"`
}

type getItemRequest struct {
	TableName                string            `json:"TableName"`
	Key                      attr.Item         `json:"Key"`
	ProjectionExpression     string            `json:"ProjectionExpression"`
	ExpressionAttributeNames map[string]string `json:"ExpressionAttributeNames"`
	ConsistentRead           bool              `json:"ConsistentRead"`
	AttributesToGet          json.RawMessage   `json:"AttributesToGet"`
}

type getItemResponse struct {
	Item attr.Item `json:"Item,omitempty"`
}

type updateItemRequest struct {
	TableName                 string                `json:"TableName"`
	Key                       attr.Item             `json:"Key"`
	UpdateExpression          string                `json:"UpdateExpression"`
	ConditionExpression       string                `json:"ConditionExpression"`
	ExpressionAttributeNames  map[string]string     `json:"ExpressionAttributeNames"`
	ExpressionAttributeValues map[string]attr.Value `json:"ExpressionAttributeValues"`
	ReturnValues              string                `json:"ReturnValues"`
	AttributeUpdates          json.RawMessage       `json:"AttributeUpdates"`
	Expected                  json.RawMessage       `json:"Expected"`
	ConditionalOperator       string                `json:"ConditionalOperator"`
}

type deleteItemRequest struct {
	TableName                 string                `json:"TableName"`
	Key                       attr.Item             `json:"Key"`
	ConditionExpression       string                `json:"ConditionExpression"`
	ExpressionAttributeNames  map[string]string     `json:"ExpressionAttributeNames"`
	ExpressionAttributeValues map[string]attr.Value `json:"ExpressionAttributeValues"`
	ReturnValues              string                `json:"ReturnValues"`
	Expected                  json.RawMessage       `json:"Expected"`
	ConditionalOperator       string                `json:"ConditionalOperator"`
}

type attributesResponse struct {
	Attributes attr.Item `json:"Attributes,omitempty"`
}

type queryRequest struct {
	TableName                 string                `json:"TableName"`
	IndexName                 string                `json:"IndexName"`
	KeyConditionExpression    string                `json:"KeyConditionExpression"`
	FilterExpression          string                `json:"FilterExpression"`
	ProjectionExpression      string                `json:"ProjectionExpression"`
	ExpressionAttributeNames  map[string]string     `json:"ExpressionAttributeNames"`
	ExpressionAttributeValues map[string]attr.Value `json:"ExpressionAttributeValues"`
	Limit                     int                   `json:"Limit"`
	ExclusiveStartKey         attr.Item             `json:"ExclusiveStartKey"`
	ScanIndexForward          *bool                 `json:"ScanIndexForward"`
	ConsistentRead            bool                  `json:"ConsistentRead"`
	KeyConditions             json.RawMessage       `json:"KeyConditions"`
	QueryFilter               json.RawMessage       `json:"QueryFilter"`
}

type scanRequest struct {
	TableName                 string                `json:"TableName"`
	IndexName                 string                `json:"IndexName"`
	FilterExpression          string                `json:"FilterExpression"`
	ProjectionExpression      string                `json:"ProjectionExpression"`
	ExpressionAttributeNames  map[string]string     `json:"ExpressionAttributeNames"`
	ExpressionAttributeValues map[string]attr.Value `json:"ExpressionAttributeValues"`
	Limit                     int                   `json:"Limit"`
	ExclusiveStartKey         attr.Item             `json:"ExclusiveStartKey"`
	Segment                   *int                  `json:"Segment"`
	TotalSegments             *int                  `json:"TotalSegments"`
	ScanFilter                json.RawMessage       `json:"ScanFilter"`
}

type pageResponse struct {
	Items            []attr.Item `json:"Items"`
	Count            int         `json:"Count"`
	ScannedCount     int         `json:"ScannedCount"`
	LastEvaluatedKey attr.Item   `json:"LastEvaluatedKey,omitempty"`
}

type batchGetRequestTable struct {
	Keys                     []attr.Item       `json:"Keys"`
	ProjectionExpression     string            `json:"ProjectionExpression"`
	ExpressionAttributeNames map[string]string `json:"ExpressionAttributeNames"`
	ConsistentRead           bool              `json:"ConsistentRead"`
	AttributesToGet          json.RawMessage   `json:"AttributesToGet"`
}

type batchGetItemRequest struct {
	RequestItems map[string]batchGetRequestTable `json:"RequestItems"`
}

type batchGetItemResponse struct {
	Responses       map[string][]attr.Item          `json:"Responses"`
	UnprocessedKeys map[string]batchGetRequestTable `json:"UnprocessedKeys"`
}

type batchPutRequest struct {
	Item attr.Item `json:"Item"`
}

type batchDeleteRequest struct {
	Key attr.Item `json:"Key"`
}

type batchWriteRequest struct {
	PutRequest    *batchPutRequest    `json:"PutRequest,omitempty"`
	DeleteRequest *batchDeleteRequest `json:"DeleteRequest,omitempty"`
}

type batchWriteItemRequest struct {
	RequestItems map[string][]batchWriteRequest `json:"RequestItems"`
}

type batchWriteItemResponse struct {
	UnprocessedItems map[string][]batchWriteRequest `json:"UnprocessedItems"`
}

type errorResponse struct {
	Type    string `json:"__type"`
	Message string `json:"Message"`
}
