package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

type keyAttr struct {
	name     string
	attrType dbtypes.ScalarAttributeType
}

type tableDef struct {
	name string
	pk   keyAttr
	sk   *keyAttr
}

func tableDefs(config Config) []tableDef {
	return []tableDef{
		{name: config.ConversationsTable, pk: keyAttr{"ID", dbtypes.ScalarAttributeTypeN}},
		{
			name: config.MessagesTable,
			pk:   keyAttr{"ConversationID", dbtypes.ScalarAttributeTypeN},
			sk:   &keyAttr{"ID", dbtypes.ScalarAttributeTypeN},
		},
		{name: config.SessionsTable, pk: keyAttr{"ID", dbtypes.ScalarAttributeTypeS}},
		{name: config.CountersTable, pk: keyAttr{"Name", dbtypes.ScalarAttributeTypeS}},
	}
}

// CreateTablesIfNotExist creates DynamoDB tables for local development
func CreateTablesIfNotExist(ctx context.Context, client *dynamodb.Client, config Config, logger zerolog.Logger) error {
	for _, table := range tableDefs(config) {
		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(table.name),
		})
		if err == nil {
			logger.Info().Str("table", table.name).Msg("table already exists")
			continue
		}

		keySchema := []dbtypes.KeySchemaElement{
			{AttributeName: aws.String(table.pk.name), KeyType: dbtypes.KeyTypeHash},
		}
		attrs := []dbtypes.AttributeDefinition{
			{AttributeName: aws.String(table.pk.name), AttributeType: table.pk.attrType},
		}
		if table.sk != nil {
			keySchema = append(keySchema, dbtypes.KeySchemaElement{
				AttributeName: aws.String(table.sk.name), KeyType: dbtypes.KeyTypeRange,
			})
			attrs = append(attrs, dbtypes.AttributeDefinition{
				AttributeName: aws.String(table.sk.name), AttributeType: table.sk.attrType,
			})
		}

		_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName:            aws.String(table.name),
			KeySchema:            keySchema,
			AttributeDefinitions: attrs,
			BillingMode:          dbtypes.BillingModePayPerRequest,
		})
		if err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.name, err)
		}
		logger.Info().Str("table", table.name).Msg("table created")
	}

	return nil
}
