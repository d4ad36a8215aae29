package account

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// MetadataMarker separates free text from the JSON metadata in a description
const MetadataMarker = "@@biokey="

// Attributes lists the attributes read when fetching person entries
var Attributes = []string{"uid", "cn", "sn", "mail", "telephoneNumber", "description"}

var requiredAttributes = []string{"mail", "sn", "cn", "uid", "description"}

// MalformedRecordError reports an entry missing a mandatory attribute
type MalformedRecordError struct {
	DN        string
	Attribute string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("directory entry %s has no %s attribute", e.DN, e.Attribute)
}

// Codec converts between directory entries and records
type Codec struct {
	logger *zap.Logger
}

// NewCodec creates a new codec
func NewCodec(logger *zap.Logger) *Codec {
	return &Codec{logger: logger}
}

// Decode converts an entry into a Record. Corrupted metadata is logged and
// decoded as empty rather than failing.
func (c *Codec) Decode(entry *ldap.Entry) (*Record, error) {
	for _, attr := range requiredAttributes {
		if len(entry.GetAttributeValues(attr)) == 0 {
			return nil, &MalformedRecordError{DN: entry.DN, Attribute: attr}
		}
	}

	description := entry.GetAttributeValue("description")
	return &Record{
		DN:          entry.DN,
		UID:         entry.GetAttributeValue("uid"),
		Surname:     entry.GetAttributeValue("sn"),
		CommonName:  entry.GetAttributeValue("cn"),
		Email:       entry.GetAttributeValue("mail"),
		Phone:       entry.GetAttributeValue("telephoneNumber"),
		Description: description,
		Metadata:    c.ParseDescription(entry.DN, description),
	}, nil
}

// ParseDescription splits a description at the first marker
func (c *Codec) ParseDescription(dn, description string) Metadata {
	idx := strings.Index(description, MetadataMarker)
	if idx < 0 {
		return Metadata{State: MetadataAbsent, FreeText: strings.TrimSpace(description), Fields: map[string]any{}}
	}

	freeText := strings.TrimSpace(description[:idx])
	fields, err := decodeFields(description[idx+len(MetadataMarker):])
	if err != nil {
		c.logger.Warn("Corrupted metadata in directory entry", zap.String("dn", dn), zap.Error(err))
		return Metadata{State: MetadataCorrupted, FreeText: freeText, Fields: map[string]any{}}
	}
	return Metadata{State: MetadataPresent, FreeText: freeText, Fields: fields}
}

func decodeFields(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("metadata is not a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after metadata object")
	}
	return fields, nil
}

// EncodeMetadata renders free text, marker and compact JSON as a description value
func EncodeMetadata(meta Metadata) ([]byte, error) {
	fields := meta.Fields
	if fields == nil {
		fields = map[string]any{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	out := meta.FreeText + " " + MetadataMarker + strings.TrimRight(buf.String(), "\n")
	return []byte(strings.TrimSpace(out)), nil
}
