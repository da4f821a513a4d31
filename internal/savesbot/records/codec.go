package records

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrDecode is returned when a document is not valid JSON or carries a
	// key that is not a numeric ID.
	ErrDecode = errors.New("records: decode failed")
	// ErrSchema is returned when a document decodes but does not have the
	// record shape.
	ErrSchema = errors.New("records: schema validation failed")
	// ErrWrite is returned when the merged document cannot be written back.
	ErrWrite = errors.New("records: write failed")
)

//go:embed schemas/users.schema.json
var usersSchemaJSON string

//go:embed schemas/guilds.schema.json
var guildsSchemaJSON string

var (
	usersSchema  = jsonschema.MustCompileString("users.schema.json", usersSchemaJSON)
	guildsSchema = jsonschema.MustCompileString("guilds.schema.json", guildsSchemaJSON)
)

// decodeDocument validates data against schema and decodes it into a map
// keyed by snowflake ID. Empty or whitespace-only data is an empty document.
func decodeDocument[R any](data []byte, schema *jsonschema.Schema) (map[snowflake.ID]R, error) {
	out := make(map[snowflake.ID]R)
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	var raw map[string]R
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	for key, rec := range raw {
		id, err := snowflake.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrDecode, key, err)
		}
		out[id] = rec
	}
	return out, nil
}

// encodeDocument serializes a snapshot. encoding/json sorts map keys, so an
// unchanged snapshot always yields identical bytes.
func encodeDocument[R any](snapshot map[snowflake.ID]R) ([]byte, error) {
	raw := make(map[string]R, len(snapshot))
	for id, rec := range snapshot {
		raw[id.String()] = rec
	}
	return json.Marshal(raw)
}

// DecodeUsers parses a users.json document.
func DecodeUsers(data []byte) (map[snowflake.ID]UserRecord, error) {
	return decodeDocument[UserRecord](data, usersSchema)
}

// DecodeGuilds parses a guilds.json document.
func DecodeGuilds(data []byte) (map[snowflake.ID]GuildRecord, error) {
	return decodeDocument[GuildRecord](data, guildsSchema)
}
