package smbconf

import (
	"bufio"
	"strings"
)

// Document is a parsed smb.conf: free lines before the first section
// followed by the sections in file order.
type Document struct {
	Preamble []string
	Sections []*Section
}

// Section is one [name] block. Lines keeps the raw body (comments
// included) so unknown settings survive a rewrite.
type Section struct {
	Name  string
	Lines []string
}

// Parse reads an smb.conf. Section names compare case-insensitively, as
// Samba does. Trailing blank lines of every block are dropped so that
// String produces a normalized layout.
func Parse(content string) *Document {
	doc := &Document{}
	var current *Section

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if name, ok := sectionHeader(line); ok {
			current = &Section{Name: name}
			doc.Sections = append(doc.Sections, current)
			continue
		}
		if current == nil {
			doc.Preamble = append(doc.Preamble, line)
		} else {
			current.Lines = append(current.Lines, line)
		}
	}

	doc.Preamble = trimBlank(doc.Preamble)
	for _, s := range doc.Sections {
		s.Lines = trimBlank(s.Lines)
	}
	return doc
}

func sectionHeader(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 3 || trimmed[0] != '[' || trimmed[len(trimmed)-1] != ']' {
		return "", false
	}
	return strings.TrimSpace(trimmed[1 : len(trimmed)-1]), true
}

func trimBlank(lines []string) []string {
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[:end]
}

// String renders the document with exactly one blank line between blocks.
func (d *Document) String() string {
	var b strings.Builder
	for _, line := range d.Preamble {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for i, s := range d.Sections {
		if i > 0 || len(d.Preamble) > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("[" + s.Name + "]\n")
		for _, line := range s.Lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Find returns the index of the named section, or -1.
func (d *Document) Find(name string) int {
	for i, s := range d.Sections {
		if strings.EqualFold(s.Name, name) {
			return i
		}
	}
	return -1
}

// Upsert replaces the section with the same name or appends s.
func (d *Document) Upsert(s *Section) {
	s.Lines = trimBlank(s.Lines)
	if i := d.Find(s.Name); i >= 0 {
		d.Sections[i] = s
		return
	}
	d.Sections = append(d.Sections, s)
}

// Remove drops the named section and reports whether it was present.
func (d *Document) Remove(name string) bool {
	i := d.Find(name)
	if i < 0 {
		return false
	}
	d.Sections = append(d.Sections[:i], d.Sections[i+1:]...)
	return true
}

// Params returns the key = value settings of the section. Keys are
// lower-cased with inner whitespace collapsed.
func (s *Section) Params() map[string]string {
	params := make(map[string]string)
	for _, line := range s.Lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed[0] == '#' || trimmed[0] == ';' {
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.Join(strings.Fields(key), " "))
		params[key] = strings.TrimSpace(value)
	}
	return params
}
