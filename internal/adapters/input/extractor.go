package input

import (
	"errors"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

var (
	// failurePattern matches the sshd message body. Group 1 is the failure
	// kind, group 2 the token after the last "from". The username sits
	// before that point and may itself contain "from <addr>", so the peer is
	// always the final occurrence, which sshd writes itself.
	failurePattern = regexp.MustCompile(
		`\bsshd(?:-session)?\[\d+\]:\s+(Failed password|Invalid user)\b.*\sfrom\s+(\S+)`)

	syslogStamp     = regexp.MustCompile(`^([A-Za-z]{3}\s+\d{1,2}\s+\d{1,2}:\d{1,2}:\d{1,2})\s`)
	structuredStamp = regexp.MustCompile(
		`^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\s`)

	errNoYear = errors.New("year disambiguation failed")
)

const syslogLayout = "2006 Jan 2 15:04:05"

// structuredLayouts are tried in order after normalizing the date/time
// separator to 'T'. Fractional seconds are accepted by time.Parse implicitly.
var structuredLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
}

// rolloverSlack is how far past "now" a yearless timestamp may land before
// it is assumed to belong to the previous year.
const rolloverSlack = 24 * time.Hour

// SSHExtractor recognizes sshd authentication failures.
//
// Thread Safety: stateless apart from the injected clock; safe for
// concurrent Extract calls.
type SSHExtractor struct {
	now func() time.Time
}

func NewSSHExtractor() *SSHExtractor {
	return &SSHExtractor{now: time.Now}
}

// NewSSHExtractorWithClock pins "now", which is only consulted to pick the
// year of syslog timestamps.
func NewSSHExtractorWithClock(now func() time.Time) *SSHExtractor {
	if now == nil {
		now = time.Now
	}
	return &SSHExtractor{now: now}
}

// Extract returns (nil, nil) for lines that are not sshd failures and a
// *domain.ParseWarning when the timestamp of a matching line is unusable.
func (x *SSHExtractor) Extract(line string, format domain.SourceFormat) (*domain.AuthEvent, error) {
	m := failurePattern.FindStringSubmatch(line)
	if m == nil {
		return nil, nil
	}

	addr, err := netip.ParseAddr(m[2])
	if err != nil {
		return nil, nil
	}

	var ts time.Time
	switch format {
	case domain.FormatStructured:
		raw, ok := firstGroup(structuredStamp, line)
		if !ok {
			return nil, nil
		}
		if ts, err = x.parseStructured(raw); err != nil {
			return nil, &domain.ParseWarning{Raw: line, Timestamp: raw, Err: err}
		}
	default:
		// rsyslog may be configured for RFC 3339 stamps in auth.log.
		if raw, ok := firstGroup(structuredStamp, line); ok {
			if ts, err = x.parseStructured(raw); err != nil {
				return nil, &domain.ParseWarning{Raw: line, Timestamp: raw, Err: err}
			}
			break
		}
		raw, ok := firstGroup(syslogStamp, line)
		if !ok {
			return nil, nil
		}
		if ts, err = x.parseSyslog(raw); err != nil {
			return nil, &domain.ParseWarning{Raw: line, Timestamp: raw, Err: err}
		}
	}

	return &domain.AuthEvent{
		Addr:      addr.Unmap(),
		Timestamp: ts,
		Kind:      failureKind(m[1]),
		Raw:       line,
	}, nil
}

// parseSyslog injects the current year, stepping back one year when the
// result lands more than a day in the future (December lines read in January).
func (x *SSHExtractor) parseSyslog(raw string) (time.Time, error) {
	now := x.now()
	stamp := strings.Join(strings.Fields(raw), " ")

	ts, err := time.ParseInLocation(syslogLayout, strconv.Itoa(now.Year())+" "+stamp, now.Location())
	if err == nil && !ts.After(now.Add(rolloverSlack)) {
		return ts, nil
	}
	// A date missing from the current year (Feb 29) only belongs to the
	// previous year when it is still ahead of today.
	if err != nil && !laterThisYear(stamp, now) {
		return time.Time{}, err
	}

	prev, prevErr := time.ParseInLocation(syslogLayout, strconv.Itoa(now.Year()-1)+" "+stamp, now.Location())
	if prevErr != nil {
		if err != nil {
			return time.Time{}, err
		}
		return time.Time{}, prevErr
	}
	if prev.After(now.Add(rolloverSlack)) {
		return time.Time{}, errNoYear
	}
	return prev, nil
}

// laterThisYear reports whether the month and day of a yearless stamp come
// after today's.
func laterThisYear(stamp string, now time.Time) bool {
	md, err := time.Parse("Jan 2 15:04:05", stamp)
	if err != nil {
		return false
	}
	if md.Month() != now.Month() {
		return md.Month() > now.Month()
	}
	return md.Day() > now.Day()
}

func (x *SSHExtractor) parseStructured(raw string) (time.Time, error) {
	raw = strings.Replace(raw, " ", "T", 1)

	var firstErr error
	for _, layout := range structuredLayouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return ts, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	// No zone: journald and rsyslog write local time.
	ts, err := time.ParseInLocation("2006-01-02T15:04:05", raw, x.now().Location())
	if err == nil {
		return ts, nil
	}
	return time.Time{}, firstErr
}

func firstGroup(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func failureKind(s string) domain.FailureKind {
	if s == "Invalid user" {
		return domain.FailureKindInvalidUser
	}
	return domain.FailureKindPassword
}
