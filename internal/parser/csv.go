package parser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

const (
	EncodingUTF8     = "utf-8"
	EncodingShiftJIS = "shift_jis"

	fieldCount = 15
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// NewReader wraps r so that it yields UTF-8 text.
func NewReader(r io.Reader, encoding string) (io.Reader, error) {
	switch encoding {
	case "", EncodingUTF8:
		buffered := bufio.NewReader(r)
		if head, err := buffered.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
			_, _ = buffered.Discard(len(utf8BOM))
		}
		return buffered, nil
	case EncodingShiftJIS:
		return transform.NewReader(r, japanese.ShiftJIS.NewDecoder()), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

func parseFlag(value string, name string) (bool, error) {
	switch value {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s flag %q", name, value)
	}
}

func parseCode(value string, name string) (int16, error) {
	code, err := strconv.ParseInt(value, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return int16(code), nil
}

// ParseRecord decodes one KEN_ALL row:
// code,old zip,zip,pref kana,city kana,town kana,pref,city,town,4 flags,status,reason
func ParseRecord(record []string) (*models.StagingRecord, error) {
	if len(record) != fieldCount {
		return nil, fmt.Errorf("expected %d fields, got %d", fieldCount, len(record))
	}

	r := &models.StagingRecord{
		LocalGovernmentCode: record[0],
		OldPostalCode:       record[1],
		PostalCode:          record[2],
		PrefectureKana:      record[3],
		CityKana:            record[4],
		TownKana:            record[5],
		Prefecture:          record[6],
		City:                record[7],
		Town:                record[8],
	}

	var err error
	flags := []struct {
		dest *bool
		name string
	}{
		{&r.IsMultiZip, "multi-zip"},
		{&r.IsKoaza, "koaza"},
		{&r.IsChome, "chome"},
		{&r.IsMultiTown, "multi-town"},
	}
	for i, flag := range flags {
		if *flag.dest, err = parseFlag(record[9+i], flag.name); err != nil {
			return nil, err
		}
	}

	if r.UpdateStatus, err = parseCode(record[13], "update status"); err != nil {
		return nil, err
	}
	if r.UpdateReason, err = parseCode(record[14], "update reason"); err != nil {
		return nil, err
	}

	return r, nil
}

// ParseCSV streams the records of a KEN_ALL file into out. Malformed lines are
// reported on errs and skipped. It stops early when ctx is cancelled.
func ParseCSV(ctx context.Context, filePath string, kind models.FeedKind, encoding string, out chan<- *models.StagingRecord, errs chan<- models.AppError) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer file.Close()

	decoded, err := NewReader(file, encoding)
	if err != nil {
		return err
	}

	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Anything but a malformed line comes back on every call.
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return fmt.Errorf("failed to read %s: %w", filePath, err)
			}
			if err := report(ctx, errs, models.AppError{Feed: kind, Line: parseErr.Line, Message: "Failed to read record from CSV", Err: err}); err != nil {
				return err
			}
			continue
		}
		line, _ := reader.FieldPos(0)

		parsed, err := ParseRecord(record)
		if err != nil {
			if err := report(ctx, errs, models.AppError{Feed: kind, Line: line, Message: "Failed to parse record", Err: err}); err != nil {
				return err
			}
			continue
		}

		if !parsed.IsValid() {
			if err := report(ctx, errs, models.AppError{Feed: kind, Line: line, Message: "Invalid postal record", Record: parsed}); err != nil {
				return err
			}
			continue
		}

		select {
		case out <- parsed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func report(ctx context.Context, errs chan<- models.AppError, appErr models.AppError) error {
	select {
	case errs <- appErr:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
