/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package gocbclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// QueryIndex describes one index of the query service.
type QueryIndex struct {
	Name      string   `json:"name"`
	IsPrimary bool     `json:"is_primary"`
	State     string   `json:"state"`
	Keyspace  string   `json:"keyspace_id"`
	IndexKey  []string `json:"index_key"`
	Using     string   `json:"using"`
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// GetAllQueryIndexes lists the indexes defined on a bucket.
func (c *Cluster) GetAllQueryIndexes(ctx context.Context, bucketName string) ([]QueryIndex, error) {
	result, err := c.Query(ctx, QueryOptions{
		Statement: "SELECT idx.* FROM system:indexes AS idx WHERE keyspace_id = $1 " +
			"AND `using` = \"gsi\" ORDER BY is_primary DESC, name ASC",
		PositionalParameters: []interface{}{bucketName},
		Readonly:             true,
	})
	if err != nil {
		return nil, err
	}

	indexes := make([]QueryIndex, 0, len(result.Rows))
	for _, row := range result.Rows {
		var index QueryIndex
		if err := json.Unmarshal(row, &index); err != nil {
			return nil, ErrDecodingFailure
		}
		indexes = append(indexes, index)
	}
	return indexes, nil
}

// CreatePrimaryQueryIndex creates the primary index on a bucket.
func (c *Cluster) CreatePrimaryQueryIndex(ctx context.Context, bucketName string, ignoreIfExists bool) error {
	_, err := c.Query(ctx, QueryOptions{
		Statement: fmt.Sprintf("CREATE PRIMARY INDEX ON %s", quoteIdentifier(bucketName)),
	})
	if err != nil && ignoreIfExists && errors.Is(err, ErrIndexExists) {
		return nil
	}
	return err
}

// CreateQueryIndex creates a secondary index on a bucket.
func (c *Cluster) CreateQueryIndex(ctx context.Context, bucketName, indexName string, fields []string, ignoreIfExists bool) error {
	if indexName == "" || len(fields) == 0 {
		return ErrInvalidArgument
	}

	quoted := make([]string, 0, len(fields))
	for _, field := range fields {
		quoted = append(quoted, quoteIdentifier(field))
	}

	_, err := c.Query(ctx, QueryOptions{
		Statement: fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			quoteIdentifier(indexName), quoteIdentifier(bucketName), strings.Join(quoted, ",")),
	})
	if err != nil && ignoreIfExists && errors.Is(err, ErrIndexExists) {
		return nil
	}
	return err
}

// DropQueryIndex removes an index from a bucket.
func (c *Cluster) DropQueryIndex(ctx context.Context, bucketName, indexName string) error {
	if indexName == "" {
		return ErrInvalidArgument
	}

	_, err := c.Query(ctx, QueryOptions{
		Statement: fmt.Sprintf("DROP INDEX %s.%s", quoteIdentifier(bucketName), quoteIdentifier(indexName)),
	})
	return err
}
