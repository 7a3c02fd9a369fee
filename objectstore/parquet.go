package objectstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
)

// entityRecord is the parquet row shape of entity history files.
type entityRecord struct {
	CommitID        int64  `parquet:"commit_id"`
	EntityType      string `parquet:"entity_type"`
	EntityKey       string `parquet:"entity_key"`
	SchemaVersionID int64  `parquet:"schema_version_id"`
	FieldsJSON      string `parquet:"fields_json"`
}

// relationRecord is the parquet row shape of relation history files.
type relationRecord struct {
	CommitID        int64  `parquet:"commit_id"`
	RelationType    string `parquet:"relation_type"`
	LeftKey         string `parquet:"left_key"`
	RightKey        string `parquet:"right_key"`
	InstanceKey     string `parquet:"instance_key"`
	SchemaVersionID int64  `parquet:"schema_version_id"`
	FieldsJSON      string `parquet:"fields_json"`
}

// encodeRows serialises one type's rows of a commit into a parquet file and
// returns the bytes with their content hash.
func encodeRows(kind repository.RecordKind, rows []repository.Row) ([]byte, string, error) {
	var buf bytes.Buffer
	var err error
	if kind == repository.RecordKindEntity {
		records := make([]entityRecord, 0, len(rows))
		for _, row := range rows {
			fieldsJSON, encodeErr := schema.CanonicalJSON(row.Fields)
			if encodeErr != nil {
				return nil, "", repository.WrapError(repository.KindValidation, "unencodable row payload", encodeErr)
			}
			records = append(records, entityRecord{
				CommitID:        row.CommitID,
				EntityType:      row.Identity.TypeName,
				EntityKey:       row.Identity.Key,
				SchemaVersionID: row.SchemaVersionID,
				FieldsJSON:      fieldsJSON,
			})
		}
		err = parquet.Write(&buf, records)
	} else {
		records := make([]relationRecord, 0, len(rows))
		for _, row := range rows {
			fieldsJSON, encodeErr := schema.CanonicalJSON(row.Fields)
			if encodeErr != nil {
				return nil, "", repository.WrapError(repository.KindValidation, "unencodable row payload", encodeErr)
			}
			records = append(records, relationRecord{
				CommitID:        row.CommitID,
				RelationType:    row.Identity.TypeName,
				LeftKey:         row.Identity.LeftKey,
				RightKey:        row.Identity.RightKey,
				InstanceKey:     row.Identity.InstanceKey,
				SchemaVersionID: row.SchemaVersionID,
				FieldsJSON:      fieldsJSON,
			})
		}
		err = parquet.Write(&buf, records)
	}
	if err != nil {
		return nil, "", repository.WrapError(repository.KindStorageIO, "failed to encode parquet file", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

// decodeRows parses one parquet data file back into rows.
func decodeRows(kind repository.RecordKind, data []byte) ([]repository.Row, error) {
	reader := bytes.NewReader(data)
	if kind == repository.RecordKindEntity {
		records, err := parquet.Read[entityRecord](reader, int64(len(data)))
		if err != nil {
			return nil, repository.WrapError(repository.KindStorageIO, "failed to decode parquet file", err)
		}
		rows := make([]repository.Row, 0, len(records))
		for _, record := range records {
			fields, err := decodeFields(record.FieldsJSON)
			if err != nil {
				return nil, err
			}
			rows = append(rows, repository.Row{
				Identity:        repository.EntityIdentity(record.EntityType, record.EntityKey),
				CommitID:        record.CommitID,
				SchemaVersionID: record.SchemaVersionID,
				Fields:          fields,
			})
		}
		return rows, nil
	}
	records, err := parquet.Read[relationRecord](reader, int64(len(data)))
	if err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to decode parquet file", err)
	}
	rows := make([]repository.Row, 0, len(records))
	for _, record := range records {
		fields, err := decodeFields(record.FieldsJSON)
		if err != nil {
			return nil, err
		}
		rows = append(rows, repository.Row{
			Identity:        repository.RelationIdentity(record.RelationType, record.LeftKey, record.RightKey, record.InstanceKey),
			CommitID:        record.CommitID,
			SchemaVersionID: record.SchemaVersionID,
			Fields:          fields,
		})
	}
	return rows, nil
}

func decodeFields(fieldsJSON string) (schema.Document, error) {
	var fields schema.Document
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, repository.WrapError(repository.KindStorageIO,
			fmt.Sprintf("corrupt fields_json %q", fieldsJSON), err)
	}
	return fields, nil
}
