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
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/localcloud/lib/dynamo/table"
)

// newTestClient stands up the handler behind httptest and returns an AWS
// SDK client pointed at it.
func newTestClient(t *testing.T) *ddb.Client {
	t.Helper()

	engine, err := table.NewEngine(table.Config{})
	require.NoError(t, err)
	handler, err := NewHandler(Config{Engine: engine})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return ddb.New(ddb.Options{
		BaseEndpoint: aws.String(srv.URL),
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	})
}

func apiErrorCode(t *testing.T, err error) string {
	t.Helper()
	var ae smithy.APIError
	require.True(t, errors.As(err, &ae), "expected API error, got %v", err)
	return ae.ErrorCode()
}

func createUsersTable(t *testing.T, client *ddb.Client) {
	t.Helper()
	_, err := client.CreateTable(context.Background(), &ddb.CreateTableInput{
		TableName: aws.String("users"),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	require.NoError(t, err)
}

func TestSDKTableLifecycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	createUsersTable(t, client)

	desc, err := client.DescribeTable(ctx, &ddb.DescribeTableInput{TableName: aws.String("users")})
	require.NoError(t, err)
	require.Equal(t, types.TableStatusActive, desc.Table.TableStatus)
	require.Equal(t, "arn:aws:dynamodb:us-east-1:000000000000:table/users", aws.ToString(desc.Table.TableArn))

	_, err = client.CreateTable(ctx, &ddb.CreateTableInput{
		TableName: aws.String("users"),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
	})
	require.Equal(t, "ResourceInUseException", apiErrorCode(t, err))

	tables, err := client.ListTables(ctx, &ddb.ListTablesInput{})
	require.NoError(t, err)
	require.Equal(t, []string{"users"}, tables.TableNames)

	_, err = client.DeleteTable(ctx, &ddb.DeleteTableInput{TableName: aws.String("users")})
	require.NoError(t, err)
	_, err = client.DescribeTable(ctx, &ddb.DescribeTableInput{TableName: aws.String("users")})
	require.Equal(t, "ResourceNotFoundException", apiErrorCode(t, err))
}

type userRecord struct {
	ID     string   `dynamodbav:"id"`
	Name   string   `dynamodbav:"name"`
	Age    int      `dynamodbav:"age"`
	Labels []string `dynamodbav:"labels,stringset,omitempty"`
}

func TestSDKItemRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	createUsersTable(t, client)

	want := userRecord{ID: "u1", Name: "alice", Age: 30, Labels: []string{"admin", "dev"}}
	item, err := attributevalue.MarshalMap(want)
	require.NoError(t, err)

	_, err = client.PutItem(ctx, &ddb.PutItemInput{TableName: aws.String("users"), Item: item})
	require.NoError(t, err)

	out, err := client.GetItem(ctx, &ddb.GetItemInput{
		TableName: aws.String("users"),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: "u1"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Item)

	var got userRecord
	require.NoError(t, attributevalue.UnmarshalMap(out.Item, &got))
	require.ElementsMatch(t, want.Labels, got.Labels)
	got.Labels, want.Labels = nil, nil
	require.Equal(t, want, got)

	// A miss returns an empty Item, not an error.
	out, err = client.GetItem(ctx, &ddb.GetItemInput{
		TableName: aws.String("users"),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: "ghost"},
		},
	})
	require.NoError(t, err)
	require.Empty(t, out.Item)
}

func TestSDKUpdateArithmetic(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	createUsersTable(t, client)

	key := map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: "a"},
	}
	_, err := client.PutItem(ctx, &ddb.PutItemInput{
		TableName: aws.String("users"),
		Item: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: "a"},
			"n":  &types.AttributeValueMemberN{Value: "0"},
		},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = client.UpdateItem(ctx, &ddb.UpdateItemInput{
			TableName:        aws.String("users"),
			Key:              key,
			UpdateExpression: aws.String("SET n = if_not_exists(n, :zero) + :one"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":zero": &types.AttributeValueMemberN{Value: "0"},
				":one":  &types.AttributeValueMemberN{Value: "1"},
			},
		})
		require.NoError(t, err)
	}

	out, err := client.GetItem(ctx, &ddb.GetItemInput{TableName: aws.String("users"), Key: key})
	require.NoError(t, err)
	n, ok := out.Item["n"].(*types.AttributeValueMemberN)
	require.True(t, ok)
	require.Equal(t, "3", n.Value)
}

func TestSDKConditionalFailure(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	createUsersTable(t, client)

	item := map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: "u1"},
	}
	_, err := client.PutItem(ctx, &ddb.PutItemInput{
		TableName:           aws.String("users"),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	require.NoError(t, err)

	_, err = client.PutItem(ctx, &ddb.PutItemInput{
		TableName:           aws.String("users"),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	var ccf *types.ConditionalCheckFailedException
	require.True(t, errors.As(err, &ccf), "expected conditional check failure, got %v", err)
}

func TestSDKQueryPagination(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.CreateTable(ctx, &ddb.CreateTableInput{
		TableName: aws.String("orders"),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeN},
		},
	})
	require.NoError(t, err)

	for i := 1; i <= 7; i++ {
		_, err := client.PutItem(ctx, &ddb.PutItemInput{
			TableName: aws.String("orders"),
			Item: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: "a"},
				"sk": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", i)},
			},
		})
		require.NoError(t, err)
	}

	var got []string
	var start map[string]types.AttributeValue
	for {
		out, err := client.Query(ctx, &ddb.QueryInput{
			TableName:              aws.String("orders"),
			KeyConditionExpression: aws.String("pk = :pk AND sk BETWEEN :lo AND :hi"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: "a"},
				":lo": &types.AttributeValueMemberN{Value: "2"},
				":hi": &types.AttributeValueMemberN{Value: "6"},
			},
			Limit:             aws.Int32(2),
			ExclusiveStartKey: start,
		})
		require.NoError(t, err)
		for _, item := range out.Items {
			got = append(got, item["sk"].(*types.AttributeValueMemberN).Value)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		start = out.LastEvaluatedKey
	}
	require.Equal(t, []string{"2", "3", "4", "5", "6"}, got)
}

func TestSDKBatchWriteAndGet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	createUsersTable(t, client)

	writes := make([]types.WriteRequest, 0, 3)
	for _, id := range []string{"u1", "u2", "u3"} {
		writes = append(writes, types.WriteRequest{
			PutRequest: &types.PutRequest{
				Item: map[string]types.AttributeValue{
					"id": &types.AttributeValueMemberS{Value: id},
				},
			},
		})
	}
	out, err := client.BatchWriteItem(ctx, &ddb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{"users": writes},
	})
	require.NoError(t, err)
	require.Empty(t, out.UnprocessedItems)

	got, err := client.BatchGetItem(ctx, &ddb.BatchGetItemInput{
		RequestItems: map[string]types.KeysAndAttributes{
			"users": {
				Keys: []map[string]types.AttributeValue{
					{"id": &types.AttributeValueMemberS{Value: "u1"}},
					{"id": &types.AttributeValueMemberS{Value: "u3"}},
					{"id": &types.AttributeValueMemberS{Value: "ghost"}},
				},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, got.Responses["users"], 2)
}

func TestSDKValidationErrors(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	createUsersTable(t, client)

	// Unused expression attribute value.
	_, err := client.PutItem(ctx, &ddb.PutItemInput{
		TableName: aws.String("users"),
		Item: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: "u1"},
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":unused": &types.AttributeValueMemberS{Value: "x"},
		},
	})
	require.Equal(t, "ValidationException", apiErrorCode(t, err))

	// Missing key attribute.
	_, err = client.PutItem(ctx, &ddb.PutItemInput{
		TableName: aws.String("users"),
		Item: map[string]types.AttributeValue{
			"name": &types.AttributeValueMemberS{Value: "alice"},
		},
	})
	require.Equal(t, "ValidationException", apiErrorCode(t, err))

	// Missing table.
	_, err = client.GetItem(ctx, &ddb.GetItemInput{
		TableName: aws.String("ghost"),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: "u1"},
		},
	})
	require.Equal(t, "ResourceNotFoundException", apiErrorCode(t, err))
}
