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

// Package defaults contains default constants used across the emulator.
package defaults

import "time"

const (
	// GatewayListen is the address the gateway binds to unless
	// GATEWAY_LISTEN overrides it. Port 4566 matches LocalStack.
	GatewayListen = "0.0.0.0:4566"

	// Region is the region reported for buckets and tables unless
	// DEFAULT_REGION overrides it.
	Region = "us-east-1"

	// S3Domain is the host suffix recognized for virtual-hosted-style
	// bucket addressing.
	S3Domain = "s3.localhost.localstack.cloud"

	// MaxMemoryObjectSize is the body size in bytes above which object
	// bodies spill from memory to disk.
	MaxMemoryObjectSize = 512 * 1024

	// MaxRequestBodySize bounds how much request body the gateway will
	// collect for a single request.
	MaxRequestBodySize = 5 * 1024 * 1024 * 1024

	// ShutdownGrace is how long the gateway waits for in-flight requests
	// to finish after a shutdown signal.
	ShutdownGrace = 10 * time.Second

	// ReadTimeout is the accept-loop-level read timeout on connections.
	ReadTimeout = 5 * time.Minute

	// AccountID is the static account every request is attributed to.
	AccountID = "000000000000"

	// OwnerID is the canonical owner ID stamped on buckets and objects.
	OwnerID = "75aa57f09aa0c8caeab4f8c24e99d10f8e7faeebf76c078efc7c6caea54ba06a"

	// OwnerDisplayName is the display name of the static owner.
	OwnerDisplayName = "webfile"
)

const (
	// S3MaxKeys is the default max-keys for object listings.
	S3MaxKeys = 1000

	// S3MaxKeyLength is the maximum object key length in bytes.
	S3MaxKeyLength = 1024

	// S3MaxPartNumber is the largest part number a multipart upload accepts.
	S3MaxPartNumber = 10000

	// S3MaxUploads is the default max-uploads for multipart listings.
	S3MaxUploads = 1000

	// S3MaxParts is the default max-parts for ListParts.
	S3MaxParts = 1000
)

const (
	// DynamoMaxTableNameLength bounds table names, per the 2012-08-10 API.
	DynamoMaxTableNameLength = 255

	// DynamoMinTableNameLength bounds table names, per the 2012-08-10 API.
	DynamoMinTableNameLength = 3

	// DynamoMaxBatchWriteItems is the item cap of one BatchWriteItem call.
	DynamoMaxBatchWriteItems = 25

	// DynamoMaxBatchGetItems is the key cap of one BatchGetItem call.
	DynamoMaxBatchGetItems = 100

	// DynamoMaxListTablesLimit is the cap on a ListTables page.
	DynamoMaxListTablesLimit = 100
)

// Environment variable names recognized by the emulator.
const (
	GatewayListenEnv   = "GATEWAY_LISTEN"
	ServicesEnv        = "SERVICES"
	RegionEnv          = "DEFAULT_REGION"
	S3SkipSignatureEnv = "S3_SKIP_SIGNATURE_VALIDATION"
	DDBSkipSignatureEnv = "DYNAMODB_SKIP_SIGNATURE_VALIDATION"
	S3VirtualHostingEnv = "S3_VIRTUAL_HOSTING"
	S3DomainEnv        = "S3_DOMAIN"
	S3MaxMemoryEnv     = "S3_MAX_MEMORY_OBJECT_SIZE"
	AccessKeyEnv       = "ACCESS_KEY"
	SecretKeyEnv       = "SECRET_KEY"
	AWSAccessKeyEnv    = "AWS_ACCESS_KEY_ID"
	AWSSecretKeyEnv    = "AWS_SECRET_ACCESS_KEY"
	LogLevelEnv        = "LOG_LEVEL"
	PersistenceEnv     = "PERSISTENCE"
)
