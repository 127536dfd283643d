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

// Package localcloud holds constants shared across the emulator.
package localcloud

const (
	// Version is the emulator release version reported by the health
	// endpoint and the CLI.
	Version = "0.9.0"

	// Edition is reported by the health endpoint alongside the version.
	Edition = "community"
)

const (
	// ComponentKey is the name of the log attribute containing the component name.
	ComponentKey = "component"

	// ComponentGateway is the HTTP front door accepting all requests.
	ComponentGateway = "gateway"

	// ComponentS3 is the S3 protocol layer.
	ComponentS3 = "s3"

	// ComponentDynamo is the DynamoDB protocol layer and table engine.
	ComponentDynamo = "dynamodb"

	// ComponentBlob is the object body storage engine.
	ComponentBlob = "blob"
)

const (
	// ServiceS3 identifies the S3 service in SERVICES and health output.
	ServiceS3 = "s3"

	// ServiceDynamo identifies the DynamoDB service in SERVICES and health output.
	ServiceDynamo = "dynamodb"
)
