package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

const tenantCreatedIndex = "tenant-created-index"

type keyAttr struct {
	name string
	kind dbtypes.ScalarAttributeType
}

type tableSpec struct {
	name    string
	pk      keyAttr
	sk      *keyAttr
	indexes []indexSpec
}

type indexSpec struct {
	name string
	pk   keyAttr
	sk   keyAttr
}

func tableSpecs(config DynamoConfig) []tableSpec {
	return []tableSpec{
		{
			name: config.HandoffTable,
			pk:   keyAttr{"ID", dbtypes.ScalarAttributeTypeS},
			indexes: []indexSpec{{
				name: tenantCreatedIndex,
				pk:   keyAttr{"TenantID", dbtypes.ScalarAttributeTypeS},
				sk:   keyAttr{"CreatedKey", dbtypes.ScalarAttributeTypeN},
			}},
		},
		{
			name: config.EventsTable,
			pk:   keyAttr{"HandoffRequestID", dbtypes.ScalarAttributeTypeS},
			sk:   &keyAttr{"EventKey", dbtypes.ScalarAttributeTypeS},
		},
		{
			name: config.SessionLockTable,
			pk:   keyAttr{"LockKey", dbtypes.ScalarAttributeTypeS},
		},
		{
			name: config.NotificationsTable,
			pk:   keyAttr{"DedupeKey", dbtypes.ScalarAttributeTypeS},
		},
	}
}

// CreateTablesIfNotExist creates DynamoDB tables for local development
func CreateTablesIfNotExist(ctx context.Context, client *dynamodb.Client, config DynamoConfig, logger zerolog.Logger) error {
	for _, table := range tableSpecs(config) {
		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(table.name),
		})
		if err == nil {
			logger.Info().Str("table", table.name).Msg("table already exists")
			continue
		}

		if _, err := client.CreateTable(ctx, createTableInput(table)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.name, err)
		}
		logger.Info().Str("table", table.name).Msg("table created")
	}

	return nil
}

func createTableInput(table tableSpec) *dynamodb.CreateTableInput {
	defined := map[string]dbtypes.ScalarAttributeType{}
	keySchema := []dbtypes.KeySchemaElement{
		{AttributeName: aws.String(table.pk.name), KeyType: dbtypes.KeyTypeHash},
	}
	defined[table.pk.name] = table.pk.kind
	if table.sk != nil {
		keySchema = append(keySchema, dbtypes.KeySchemaElement{
			AttributeName: aws.String(table.sk.name), KeyType: dbtypes.KeyTypeRange,
		})
		defined[table.sk.name] = table.sk.kind
	}

	var gsis []dbtypes.GlobalSecondaryIndex
	for _, idx := range table.indexes {
		gsis = append(gsis, dbtypes.GlobalSecondaryIndex{
			IndexName: aws.String(idx.name),
			KeySchema: []dbtypes.KeySchemaElement{
				{AttributeName: aws.String(idx.pk.name), KeyType: dbtypes.KeyTypeHash},
				{AttributeName: aws.String(idx.sk.name), KeyType: dbtypes.KeyTypeRange},
			},
			Projection: &dbtypes.Projection{ProjectionType: dbtypes.ProjectionTypeAll},
		})
		defined[idx.pk.name] = idx.pk.kind
		defined[idx.sk.name] = idx.sk.kind
	}

	attrs := make([]dbtypes.AttributeDefinition, 0, len(defined))
	for name, kind := range defined {
		attrs = append(attrs, dbtypes.AttributeDefinition{AttributeName: aws.String(name), AttributeType: kind})
	}

	return &dynamodb.CreateTableInput{
		TableName:              aws.String(table.name),
		KeySchema:              keySchema,
		AttributeDefinitions:   attrs,
		GlobalSecondaryIndexes: gsis,
		BillingMode:            dbtypes.BillingModePayPerRequest,
	}
}
