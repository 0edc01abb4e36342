// Package signing serializes commit payloads into git's canonical commit
// encoding and produces detached signatures over those exact bytes. The
// signature is embedded by the platform when the commit object is created, so
// any deviation from the canonical byte sequence would fail later
// verification.
package signing

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	apperrors "appcommit.dev/appcommit/internal/errors"
)

// Identity is the author or committer of a commit. Name and Email are both
// required; When carries the timezone the identity line is rendered in.
type Identity struct {
	Name  string
	Email string
	When  time.Time
}

func (i Identity) validate(role string) error {
	if strings.TrimSpace(i.Name) == "" {
		return apperrors.NewSigningError(fmt.Sprintf("%s name is required", role), nil)
	}
	if strings.TrimSpace(i.Email) == "" {
		return apperrors.NewSigningError(fmt.Sprintf("%s email is required", role), nil)
	}
	if strings.ContainsAny(i.Name, "<>\n") || strings.ContainsAny(i.Email, "<>\n") {
		return apperrors.NewSigningError(fmt.Sprintf("%s identity contains reserved characters", role), nil)
	}
	return nil
}

// line renders the identity in git's header form: "Name <email> <unix> <zone>".
func (i Identity) line() string {
	return fmt.Sprintf("%s <%s> %d %s", i.Name, i.Email, i.When.Unix(), i.When.Format("-0700"))
}

// Payload is a finalized commit ready for signing. Mutating any field after
// signing invalidates the signature, so callers must only sign a payload they
// will submit verbatim.
type Payload struct {
	TreeSHA   string
	Parents   []string
	Author    Identity
	Committer Identity
	Message   string
}

// Serialize produces git's canonical commit encoding:
//
//	tree <sha>
//	parent <sha>        (one line per parent, in order)
//	author <identity>
//	committer <identity>
//	<blank>
//	<message>
func (p Payload) Serialize() ([]byte, error) {
	if p.TreeSHA == "" {
		return nil, apperrors.NewSigningError("payload has no tree id", nil)
	}
	if p.Message == "" {
		return nil, apperrors.NewSigningError("payload has no commit message", nil)
	}
	if err := p.Author.validate("author"); err != nil {
		return nil, err
	}
	if err := p.Committer.validate("committer"); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", p.TreeSHA)
	for _, parent := range p.Parents {
		fmt.Fprintf(&buf, "parent %s\n", parent)
	}
	fmt.Fprintf(&buf, "author %s\n", p.Author.line())
	fmt.Fprintf(&buf, "committer %s\n", p.Committer.line())
	buf.WriteByte('\n')
	buf.WriteString(p.Message)
	return buf.Bytes(), nil
}
