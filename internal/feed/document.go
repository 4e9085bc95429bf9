package feed

import (
	"bytes"
	"crypto/subtle"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html/charset"

	"calfeed/internal/model"
	"calfeed/internal/pipeline"
)

// FormatToolName labels formatter runs in logs, errors and metrics.
const FormatToolName = "format"

const stampLayout = "2006-01-02 15:04:05 MST"

// FormattingArgs builds the formatter's argument vector from feed metadata.
func FormattingArgs(meta model.FeedMeta) []string {
	return []string{
		"--channel-title", meta.Title,
		"--channel-link", meta.Link,
		"--channel-description", meta.Description,
		"--timezone", meta.Timezone,
	}
}

// FormatCommand is the formatter invocation for meta.
func FormatCommand(path string, meta model.FeedMeta) pipeline.Command {
	return pipeline.Command{Name: FormatToolName, Path: path, Args: FormattingArgs(meta)}
}

// Validate accepts only well-formed XML with exactly one root element.
// Character data outside the root must be whitespace. Documents may declare
// any encoding the charset package knows.
func Validate(body []byte) error {
	d := xml.NewDecoder(bytes.NewReader(body))
	d.Strict = true
	d.CharsetReader = charset.NewReaderLabel

	depth, roots := 0, 0
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("malformed XML: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if roots > 1 {
					return fmt.Errorf("malformed XML: more than one root element (<%s>)", t.Name.Local)
				}
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return errors.New("malformed XML: text outside the root element")
			}
		}
	}
	if depth != 0 {
		return errors.New("malformed XML: unexpected end of document")
	}
	if roots == 0 {
		return errors.New("malformed XML: no root element")
	}
	return nil
}

// CountItems parses body as a syndication feed and returns its item count.
func CountItems(body []byte) (int, error) {
	f, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	return len(f.Items), nil
}

// insertionPoint is the offset right after a leading XML declaration and
// the whitespace following it, or 0 when there is no declaration.
func insertionPoint(body []byte) int {
	if !bytes.HasPrefix(body, []byte("<?xml")) {
		return 0
	}
	end := bytes.Index(body, []byte("?>"))
	if end == -1 {
		return 0
	}
	i := end + 2
	for i < len(body) && isSpace(body[i]) {
		i++
	}
	return i
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

func insertComment(body []byte, text string) []byte {
	at := insertionPoint(body)
	comment := "<!-- " + text + " -->\n"

	out := make([]byte, 0, len(body)+len(comment))
	out = append(out, body[:at]...)
	out = append(out, comment...)
	out = append(out, body[at:]...)
	return out
}

// Stamp marks body with its generation time.
func Stamp(body []byte, at time.Time) []byte {
	return insertComment(body, "Generated: "+at.Format(stampLayout))
}

// Annotate marks a stale body as served after a failed regeneration.
// The failure detail is included only when presented equals key; an empty
// key never matches. No other byte of body changes.
func Annotate(body []byte, cause error, presented, key string) []byte {
	text := "Stale copy served: regeneration failed"
	if cause != nil && debugAllowed(presented, key) {
		text += ": " + commentSafe(cause.Error())
	}
	return insertComment(body, text)
}

func debugAllowed(presented, key string) bool {
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1
}

// commentSafe makes s legal inside an XML comment: no "--" and no trailing
// "-".
func commentSafe(s string) string {
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "- -")
	}
	if strings.HasSuffix(s, "-") {
		s += " "
	}
	return s
}
