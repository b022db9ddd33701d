package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/crossbario/crossbar-sub003/internal/config"
	"github.com/crossbario/crossbar-sub003/internal/upload"
)

// multipartMemory is the part of a multipart body kept in memory; the rest is
// spooled to temp files by net/http.
const multipartMemory = 8 << 20

// multipartOverhead covers boundaries and text fields on top of the chunk bytes.
const multipartOverhead = 1 << 20

var errMissingField = errors.New("missing field")

// formValues reads request fields by their wire names.
type formValues interface {
	Get(key string) string
}

type chunkQuery struct {
	name  string
	chunk int
}

func decodeQuery(values formValues, fields config.Fields) (chunkQuery, error) {
	name := strings.TrimSpace(values.Get(fields.FileName))
	if name == "" {
		return chunkQuery{}, fmt.Errorf("%w: %s", errMissingField, fields.FileName)
	}
	n, err := intField(values, fields.ChunkNumber, true)
	if err != nil {
		return chunkQuery{}, err
	}
	return chunkQuery{name: name, chunk: n}, nil
}

// decodeChunk parses a multipart chunk request. The returned cleanup releases
// the parsed form and must always be called.
func decodeChunk(w http.ResponseWriter, r *http.Request, fields config.Fields, maxBody int64) (upload.Chunk, func(), error) {
	cleanup := func() {}
	if maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return upload.Chunk{}, cleanup, fmt.Errorf("parse multipart: %w", err)
	}
	form := r.MultipartForm
	cleanup = func() { _ = form.RemoveAll() }

	get := formGetter(form.Value)

	file, _, err := r.FormFile(fields.Content)
	if err != nil {
		return upload.Chunk{}, cleanup, fmt.Errorf("%w: %s", errMissingField, fields.Content)
	}
	prev := cleanup
	cleanup = func() {
		_ = file.Close()
		prev()
	}

	c := upload.Chunk{
		FileName:    strings.TrimSpace(get.Get(fields.FileName)),
		MimeType:    strings.TrimSpace(get.Get(fields.MimeType)),
		Topic:       strings.TrimSpace(get.Get(fields.OnProgress)),
		Owner:       strings.TrimSpace(get.Get(fields.Session)),
		ChunkExtra:  extraField(get, fields.ChunkExtra),
		FinishExtra: extraField(get, fields.FinishExtra),
		Body:        file,
	}
	if c.FileName == "" {
		return upload.Chunk{}, cleanup, fmt.Errorf("%w: %s", errMissingField, fields.FileName)
	}
	if c.ChunkNumber, err = intField(get, fields.ChunkNumber, true); err != nil {
		return upload.Chunk{}, cleanup, err
	}
	if c.TotalChunks, err = intField(get, fields.TotalChunks, true); err != nil {
		return upload.Chunk{}, cleanup, err
	}
	if c.TotalSize, err = int64Field(get, fields.TotalSize); err != nil {
		return upload.Chunk{}, cleanup, err
	}
	if c.ChunkSize, err = int64Field(get, fields.ChunkSize); err != nil {
		return upload.Chunk{}, cleanup, err
	}
	if c.Owner == "" {
		c.Owner = clientAddress(r)
	}
	return c, cleanup, nil
}

type formGetter map[string][]string

func (f formGetter) Get(key string) string {
	if vs := f[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func intField(values formValues, key string, required bool) (int, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		if required {
			return 0, fmt.Errorf("%w: %s", errMissingField, key)
		}
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("field %s: %q is not an integer", key, raw)
	}
	return n, nil
}

func int64Field(values formValues, key string) (int64, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %q is not an integer", key, raw)
	}
	return n, nil
}

// extraField passes JSON values through untouched and anything else as a string.
func extraField(values formValues, key string) any {
	raw := values.Get(key)
	if raw == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}

// clientAddress identifies the requester when no session field was sent.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
