package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID         string `parquet:"name=id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Type       string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Asset      string `parquet:"name=asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Account    string `parquet:"name=account, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Attributes string `parquet:"name=attributes, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PrevHash   string `parquet:"name=prev_hash, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Hash       string `parquet:"name=hash, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CreatedAt  string `parquet:"name=created_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

const exportPageSize = 500

// ExportParquet writes every entry after afterSequence to a snappy
// compressed parquet file in dir and returns its path and row count.
func (j *Journal) ExportParquet(ctx context.Context, dir string, afterSequence uint64) (string, int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("journal: create export dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("lending-journal-%s.parquet", j.now().UTC().Format("20060102T150405Z")))
	file, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		discard(file, path)
		return "", 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	cursor := afterSequence
	for {
		page, err := j.List(ctx, Filter{AfterSequence: cursor, Limit: exportPageSize})
		if err != nil {
			pw.WriteStop()
			discard(file, path)
			return "", 0, err
		}
		for _, entry := range page {
			row := &parquetRow{
				ID:         entry.ID.String(),
				Sequence:   int64(entry.Sequence),
				Type:       entry.Type,
				Asset:      entry.Asset,
				Account:    entry.Account,
				Attributes: entry.Attributes,
				PrevHash:   entry.PrevHash,
				Hash:       entry.Hash,
				CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339Nano),
			}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				discard(file, path)
				return "", 0, fmt.Errorf("journal: parquet write: %w", err)
			}
			cursor = entry.Sequence
			written++
		}
		if len(page) < exportPageSize {
			break
		}
	}
	if err := pw.WriteStop(); err != nil {
		discard(file, path)
		return "", 0, fmt.Errorf("journal: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("journal: close parquet file: %w", err)
	}
	return path, written, nil
}

// discard closes and removes a partially written export.
func discard(file *os.File, path string) {
	file.Close()
	os.Remove(path)
}
