package record

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---\n"

// Frontmatter is the YAML header of a record markdown file. Only the public
// record fields appear here; internal workflow state never does.
type Frontmatter struct {
	Title   string `yaml:"title"`
	Type    string `yaml:"type"`
	Status  string `yaml:"status"`
	Author  string `yaml:"author,omitempty"`
	Created string `yaml:"created"`
	Updated string `yaml:"updated"`
}

// EncodeDocument renders a record as a markdown file: YAML frontmatter
// between --- delimiters, a blank line, then the body.
func EncodeDocument(rec *Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	fm := Frontmatter{
		Title:   rec.Title,
		Type:    rec.Type,
		Status:  string(rec.Status),
		Author:  rec.Author,
		Created: rec.CreatedAt.UTC().Format(time.RFC3339),
		Updated: rec.UpdatedAt.UTC().Format(time.RFC3339),
	}

	head, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("record %s: encode frontmatter: %w", rec.ID, err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelimiter)
	buf.Write(head)
	buf.WriteString(frontmatterDelimiter)
	buf.WriteString("\n")
	buf.WriteString(rec.Body)
	if rec.Body != "" && !bytes.HasSuffix([]byte(rec.Body), []byte("\n")) {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// DecodeDocument splits a markdown file into its frontmatter and body.
func DecodeDocument(data []byte) (Frontmatter, string, error) {
	var fm Frontmatter

	if !bytes.HasPrefix(data, []byte(frontmatterDelimiter)) {
		return fm, "", fmt.Errorf("decode record document: missing frontmatter header")
	}
	rest := data[len(frontmatterDelimiter):]
	end := bytes.Index(rest, []byte(frontmatterDelimiter))
	if end < 0 {
		return fm, "", fmt.Errorf("decode record document: unterminated frontmatter")
	}

	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return fm, "", fmt.Errorf("decode record frontmatter: %w", err)
	}

	body := rest[end+len(frontmatterDelimiter):]
	body = bytes.TrimPrefix(body, []byte("\n"))
	return fm, string(body), nil
}
