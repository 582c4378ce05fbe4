package ftpengine

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/ftpengine/internal/dircache"
	"github.com/gonzalop/ftpengine/internal/logging"
)

// Entry types.
const (
	EntryFile    = "file"
	EntryDir     = "dir"
	EntryLink    = "link"
	EntryUnknown = "unknown"
)

// Entry is one line of a directory listing.
type Entry struct {
	Name string
	// Type is one of EntryFile, EntryDir, EntryLink or EntryUnknown.
	Type    string
	Size    int64
	ModTime time.Time
	// Target is the destination of a symbolic link, if the server sent it.
	Target string
	// Facts holds the raw MLSD facts, keyed in lower case.
	Facts map[string]string
	Raw   string
}

func (e Entry) cacheEntry() dircache.Entry {
	return dircache.Entry{Name: e.Name, Dir: e.Type == EntryDir, Size: e.Size, ModTime: e.ModTime}
}

// ListingParser turns one listing line into an entry. It reports false if
// the line is not in its format.
type ListingParser interface {
	Parse(line string) (*Entry, bool)
}

// nameParser reads NLST output, one name per line.
type nameParser struct{}

func (nameParser) Parse(line string) (*Entry, bool) {
	name := strings.TrimSpace(line)
	if name == "" {
		return nil, false
	}
	return &Entry{Name: name, Type: EntryUnknown, Size: -1, Raw: line}, true
}

// DefaultParsers returns the built-in LIST parsers in the order they are
// tried.
func DefaultParsers() []ListingParser {
	return []ListingParser{EPLFParser{}, DOSParser{}, UnixParser{}}
}

// ParserChain tries each parser in turn. Lines no parser accepts become
// entries of type EntryUnknown named after the whole line. Blank lines and
// the "total" line of ls output are skipped.
type ParserChain []ListingParser

func (c ParserChain) Parse(line string) (*Entry, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || isTotalLine(trimmed) {
		return nil, false
	}
	for _, p := range c {
		if ent, ok := p.Parse(trimmed); ok {
			ent.Raw = line
			return ent, true
		}
	}
	return &Entry{Name: trimmed, Type: EntryUnknown, Raw: line}, true
}

func isTotalLine(line string) bool {
	word, n, ok := strings.Cut(line, " ")
	if !ok || !strings.EqualFold(word, "total") {
		return false
	}
	_, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	return err == nil
}

// UnixParser handles ls -l output, with or without the group column and
// with symbolic or octal permissions.
type UnixParser struct {
	// Now is used to infer the year of recent entries. Defaults to time.Now.
	Now func() time.Time
}

func (p UnixParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false
	}
	typ, ok := unixType(fields[0])
	if !ok {
		return nil, false
	}

	// perms links owner [group] size month day time|year name...
	sizeAt := -1
	for _, i := range []int{4, 3} {
		if i+4 >= len(fields) {
			continue
		}
		if _, err := strconv.ParseInt(fields[i], 10, 64); err == nil && isMonth(fields[i+1]) {
			sizeAt = i
			break
		}
	}
	if sizeAt < 0 {
		return nil, false
	}
	size, _ := strconv.ParseInt(fields[sizeAt], 10, 64)

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	ent := &Entry{
		Type:    typ,
		Size:    size,
		ModTime: unixTime(fields[sizeAt+1], fields[sizeAt+2], fields[sizeAt+3], now()),
	}

	// Keep the original spacing of the name.
	name := afterFields(line, sizeAt+4)
	if name == "" {
		return nil, false
	}
	if typ == EntryLink {
		if n, target, found := strings.Cut(name, " -> "); found {
			name, ent.Target = n, target
		}
	}
	ent.Name = name
	return ent, true
}

func unixType(perms string) (string, bool) {
	switch perms[0] {
	case 'd':
		return EntryDir, true
	case 'l':
		return EntryLink, true
	case '-', 'b', 'c', 'p', 's':
		return EntryFile, true
	}
	if len(perms) < 3 || len(perms) > 4 {
		return "", false
	}
	for _, c := range perms {
		if c < '0' || c > '7' {
			return "", false
		}
	}
	// Octal permissions carry no type.
	return EntryFile, true
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

func isMonth(s string) bool {
	_, ok := months[strings.ToLower(s)]
	return ok
}

// unixTime parses "Jan 2 15:04" or "Jan 2 2006". Without a year the most
// recent matching date not after now+1 day is used.
func unixTime(mon, day, yearOrTime string, now time.Time) time.Time {
	m := months[strings.ToLower(mon)]
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 {
		return time.Time{}
	}
	if h, mi, ok := strings.Cut(yearOrTime, ":"); ok {
		hour, err1 := strconv.Atoi(h)
		minute, err2 := strconv.Atoi(mi)
		if err1 != nil || err2 != nil {
			return time.Time{}
		}
		t := time.Date(now.Year(), m, d, hour, minute, 0, 0, time.UTC)
		if t.After(now.Add(24 * time.Hour)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t
	}
	y, err := strconv.Atoi(yearOrTime)
	if err != nil {
		return time.Time{}
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// afterFields returns line with its first n whitespace separated fields
// and the blanks after them removed.
func afterFields(line string, n int) string {
	rest := line
	for range n {
		rest = strings.TrimLeft(rest, " \t")
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			return ""
		}
		rest = rest[i:]
	}
	return strings.TrimLeft(rest, " \t")
}

// DOSParser handles IIS style listings:
//
//	12-14-23  12:22PM           1037794 report.pdf
//	09-24-24  10:30AM       <DIR>          logs
type DOSParser struct{}

func (DOSParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil, false
	}
	date, ok := dosDate(fields[0])
	if !ok {
		return nil, false
	}
	ent := &Entry{Name: afterFields(line, 3), ModTime: dosTime(date, fields[1])}
	if ent.Name == "" {
		return nil, false
	}
	if strings.EqualFold(fields[2], "<DIR>") {
		ent.Type = EntryDir
		return ent, true
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, false
	}
	ent.Type = EntryFile
	ent.Size = size
	return ent, true
}

// dosDate accepts MM-DD-YY, MM-DD-YYYY and the same with slashes.
func dosDate(s string) (time.Time, bool) {
	sep := "-"
	if !strings.Contains(s, sep) {
		sep = "/"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return time.Time{}, false
	}
	var n [3]int
	for i, part := range parts {
		if part == "" || len(part) > 4 || (i < 2 && len(part) > 2) {
			return time.Time{}, false
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return time.Time{}, false
		}
		n[i] = v
	}
	switch len(parts[2]) {
	case 2:
		if n[2] < 70 {
			n[2] += 2000
		} else {
			n[2] += 1900
		}
	case 4:
	default:
		return time.Time{}, false
	}
	if n[0] < 1 || n[0] > 12 || n[1] < 1 || n[1] > 31 {
		return time.Time{}, false
	}
	return time.Date(n[2], time.Month(n[0]), n[1], 0, 0, 0, 0, time.UTC), true
}

func dosTime(date time.Time, clock string) time.Time {
	for _, layout := range []string{"03:04PM", "3:04PM", "15:04"} {
		if t, err := time.Parse(layout, strings.ToUpper(clock)); err == nil {
			return date.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
		}
	}
	return date
}

// EPLFParser handles the Easily Parsed LIST Format:
//
//	+i8388621.48594,m825718503,r,s280,	djb.html
type EPLFParser struct{}

func (EPLFParser) Parse(line string) (*Entry, bool) {
	facts, ok := strings.CutPrefix(line, "+")
	if !ok {
		return nil, false
	}
	i := strings.IndexAny(facts, "\t ")
	if i < 0 {
		return nil, false
	}
	name := strings.TrimSpace(facts[i+1:])
	if name == "" {
		return nil, false
	}
	ent := &Entry{Name: name, Type: EntryFile}
	for fact := range strings.SplitSeq(facts[:i], ",") {
		if fact == "" {
			continue
		}
		switch fact[0] {
		case '/':
			ent.Type = EntryDir
		case 's':
			if n, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				ent.Size = n
			}
		case 'm':
			if n, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				ent.ModTime = time.Unix(n, 0).UTC()
			}
		}
	}
	return ent, true
}

// MLSxParser handles RFC 3659 machine listings:
//
//	type=file;size=1024;modify=20240101120000; notes.txt
//
// The current and parent directory entries are skipped.
type MLSxParser struct{}

func (MLSxParser) Parse(line string) (*Entry, bool) {
	facts, name, ok := strings.Cut(line, " ")
	if !ok || name == "" || !strings.Contains(facts, "=") {
		return nil, false
	}
	ent := &Entry{Name: name, Type: EntryFile, Facts: make(map[string]string)}
	for pair := range strings.SplitSeq(facts, ";") {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		ent.Facts[strings.ToLower(k)] = v
	}

	typ := ent.Facts["type"]
	switch t := strings.ToLower(typ); {
	case t == "cdir" || t == "pdir":
		return nil, false
	case t == "dir":
		ent.Type = EntryDir
	case strings.HasPrefix(t, "os.unix=slink"):
		ent.Type = EntryLink
		if _, target, found := strings.Cut(typ, ":"); found {
			ent.Target = target
		}
	}
	if v, found := ent.Facts["size"]; found {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			ent.Size = n
		}
	}
	if v, found := ent.Facts["modify"]; found {
		stamp, _, _ := strings.Cut(v, ".")
		if t, err := time.Parse("20060102150405", stamp); err == nil {
			ent.ModTime = t
		}
	}
	return ent, true
}

// listingSink collects entries from raw listing bytes. Lines may be split
// across writes and end in LF or CRLF. It runs on the transfer goroutine
// and must not be read before the transfer ended.
type listingSink struct {
	parser  ListingParser
	logger  *logging.Logger
	partial []byte
	entries []Entry
}

func newListingSink(parser ListingParser, logger *logging.Logger) *listingSink {
	return &listingSink{parser: parser, logger: logger}
}

func (s *listingSink) write(p []byte) error {
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.line(s.partial[:i])
		s.partial = s.partial[i+1:]
	}
	// Compact so a long listing does not keep its whole history.
	if len(s.partial) == 0 {
		s.partial = s.partial[:0:0]
	}
	return nil
}

func (s *listingSink) line(b []byte) {
	line := string(bytes.TrimSuffix(b, []byte{'\r'}))
	s.logger.Log(logging.Listing, line)
	if ent, ok := s.parser.Parse(line); ok {
		s.entries = append(s.entries, *ent)
	}
}

// finish parses a last line without terminator.
func (s *listingSink) finish() []Entry {
	if len(s.partial) > 0 {
		s.line(s.partial)
		s.partial = nil
	}
	return s.entries
}
