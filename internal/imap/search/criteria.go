package search

import (
	"strings"

	"github.com/mailstackd/mailstackd/internal/store"
)

// allCriterion matches every message ("ALL", or an empty criteria group).
type allCriterion struct{}

func (allCriterion) Accept(store.QueryBuilder) string { return "1=1" }

// andCriterion is the implicit conjunction of a criteria list.
type andCriterion struct {
	terms []store.Criterion
}

func (c andCriterion) Accept(b store.QueryBuilder) string {
	parts := make([]string, len(c.terms))
	for i, t := range c.terms {
		parts[i] = "(" + t.Accept(b) + ")"
	}
	return joinWith(parts, " AND ")
}

type orCriterion struct {
	left, right store.Criterion
}

func (c orCriterion) Accept(b store.QueryBuilder) string {
	return "(" + c.left.Accept(b) + ") OR (" + c.right.Accept(b) + ")"
}

type notCriterion struct {
	inner store.Criterion
}

func (c notCriterion) Accept(b store.QueryBuilder) string {
	return "NOT (" + c.inner.Accept(b) + ")"
}

// flagCriterion tests a system flag's presence/absence, e.g. SEEN/UNSEEN.
// NEW and RECENT match messages whose stored flags contain \Recent and OLD
// matches those without it; NEW does not also require \Seen to be absent.
type flagCriterion struct {
	key string
}

func (c flagCriterion) Accept(b store.QueryBuilder) string {
	switch c.key {
	case "ANSWERED":
		return flagLike(b, store.FlagAnswered, true)
	case "UNANSWERED":
		return flagLike(b, store.FlagAnswered, false)
	case "DELETED":
		return flagLike(b, store.FlagDeleted, true)
	case "UNDELETED":
		return flagLike(b, store.FlagDeleted, false)
	case "DRAFT":
		return flagLike(b, store.FlagDraft, true)
	case "UNDRAFT":
		return flagLike(b, store.FlagDraft, false)
	case "FLAGGED":
		return flagLike(b, store.FlagFlagged, true)
	case "UNFLAGGED":
		return flagLike(b, store.FlagFlagged, false)
	case "SEEN":
		return flagLike(b, store.FlagSeen, true)
	case "UNSEEN":
		return flagLike(b, store.FlagSeen, false)
	case "NEW", "RECENT":
		return flagLike(b, store.FlagRecent, true)
	case "OLD":
		return flagLike(b, store.FlagRecent, false)
	}
	return "1=1"
}

func flagLike(b store.QueryBuilder, flag string, present bool) string {
	arg := b.Arg("%" + flag + "%")
	if present {
		return "flags LIKE " + arg
	}
	return "(flags IS NULL OR flags NOT LIKE " + arg + ")"
}

// textCriterion is a case-insensitive substring match against an
// address/subject/body column (FROM, TO, CC, BCC, SUBJECT, BODY, TEXT).
type textCriterion struct {
	field string
	value string
}

func (c textCriterion) Accept(b store.QueryBuilder) string {
	col, err := store.Column(mapTextField(c.field))
	if err != nil {
		return "1=0"
	}
	arg := b.Arg("%" + c.value + "%")
	return "LOWER(" + col + ") LIKE LOWER(" + arg + ")"
}

func mapTextField(field string) string {
	switch field {
	case "CC", "BCC":
		return "TO" // mailstore's schema tracks a single recipients column
	default:
		return field
	}
}

// headerCriterion matches a named header's value by substring, via the
// raw message column (the mailstore doesn't index individual headers).
type headerCriterion struct {
	name  string
	value string
}

func (c headerCriterion) Accept(b store.QueryBuilder) string {
	arg := b.Arg("%" + c.name + ": %" + c.value + "%")
	return "raw LIKE " + arg
}

// keywordCriterion matches a user-defined keyword flag.
type keywordCriterion struct {
	negate  bool
	keyword string
}

func (c keywordCriterion) Accept(b store.QueryBuilder) string {
	arg := b.Arg("%" + c.keyword + "%")
	if c.negate {
		return "(flags IS NULL OR flags NOT LIKE " + arg + ")"
	}
	return "flags LIKE " + arg
}

// dateCriterion compares internal_date against a day boundary; the SENT*
// keys compare internal_date too, not the Date header.
type dateCriterion struct {
	key  string
	date interface{ Format(string) string }
}

func (c dateCriterion) Accept(b store.QueryBuilder) string {
	day := c.date.Format("2006-01-02")
	switch c.key {
	case "BEFORE", "SENTBEFORE":
		arg := b.Arg(day)
		return "date(internal_date) < date(" + arg + ")"
	case "SINCE", "SENTSINCE":
		arg := b.Arg(day)
		return "date(internal_date) >= date(" + arg + ")"
	default: // ON, SENTON
		arg := b.Arg(day)
		return "date(internal_date) = date(" + arg + ")"
	}
}

// sizeCriterion compares RFC822.SIZE.
type sizeCriterion struct {
	key  string
	size int64
}

func (c sizeCriterion) Accept(b store.QueryBuilder) string {
	arg := b.Arg(c.size)
	if c.key == "LARGER" {
		return "size > " + arg
	}
	return "size < " + arg
}

// uidCriterion matches a UID set of comma-separated discrete values,
// rendered as an IN list. Colon/star ranges are not expanded: an element
// such as "2:4" or "*" is compared as literal text and matches no message.
type uidCriterion struct {
	set string
}

func (c uidCriterion) Accept(b store.QueryBuilder) string {
	values := strings.Split(c.set, ",")
	args := make([]string, len(values))
	for i, v := range values {
		args[i] = b.Arg(v)
	}
	return "CAST(uid AS TEXT) IN (" + strings.Join(args, ", ") + ")"
}

// seqSetCriterion matches a bare sequence-set token with no keyword
// (e.g. "SEARCH 1:5"); the mailstore has no direct sequence-number
// column (sequence numbers are assigned at listing time), so this
// degrades to matching everything and lets the caller's existing
// seq-number filtering apply on the returned slice.
type seqSetCriterion struct {
	set string
}

func (c seqSetCriterion) Accept(store.QueryBuilder) string { return "1=1" }

func joinWith(parts []string, sep string) string {
	if len(parts) == 0 {
		return "1=1"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}
