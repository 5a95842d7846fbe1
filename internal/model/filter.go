package model

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CategoryAll disables category filtering.
const CategoryAll = "All"

// dateLayout is the calendar-day format used by from/to filters.
const dateLayout = "2006-01-02"

// Filter narrows an item listing. Zero values match everything.
type Filter struct {
	Q        string
	Type     string
	Category string
	Location string
	From     *time.Time
	To       *time.Time
	Resolved *bool
	OwnerID  string
	Status   string
}

// searchText is the concatenation the free-text query is matched against.
func searchText(i *Item) string {
	return strings.ToLower(strings.Join([]string{
		i.Name, i.Description, i.Location, i.Category, i.Color, i.Brand,
	}, " "))
}

// Matches reports whether item passes every set criterion.
func (f *Filter) Matches(i *Item) bool {
	if f.Q != "" && !strings.Contains(searchText(i), strings.ToLower(strings.TrimSpace(f.Q))) {
		return false
	}
	if f.Type != "" && i.Type != f.Type {
		return false
	}
	if f.Category != "" && f.Category != CategoryAll && i.Category != f.Category {
		return false
	}
	if f.Location != "" && !strings.Contains(strings.ToLower(i.Location), strings.ToLower(strings.TrimSpace(f.Location))) {
		return false
	}
	if f.From != nil && i.Date.Before(*f.From) {
		return false
	}
	// To is inclusive of the whole day.
	if f.To != nil && !i.Date.Before(f.To.AddDate(0, 0, 1)) {
		return false
	}
	if f.Resolved != nil && i.Resolved != *f.Resolved {
		return false
	}
	if f.OwnerID != "" && i.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	return true
}

// ParseFilter reads a Filter from URL query parameters.
func ParseFilter(q url.Values) (Filter, error) {
	f := Filter{
		Q:        q.Get("q"),
		Type:     q.Get("type"),
		Category: q.Get("category"),
		Location: q.Get("location"),
		OwnerID:  q.Get("owner"),
		Status:   q.Get("status"),
	}

	if f.Type != "" && !ValidItemType(f.Type) {
		return Filter{}, fmt.Errorf("invalid type %q", f.Type)
	}
	if f.Category != "" && f.Category != CategoryAll && !ValidCategory(f.Category) {
		return Filter{}, fmt.Errorf("invalid category %q", f.Category)
	}
	if f.Status != "" && !ValidItemStatus(f.Status) {
		return Filter{}, fmt.Errorf("invalid status %q", f.Status)
	}

	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid %s date %q", p.key, v)
		}
		*p.dst = &t
	}

	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid resolved flag %q", v)
		}
		f.Resolved = &b
	}

	return f, nil
}

// Values encodes the filter as URL query parameters.
func (f *Filter) Values() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("q", f.Q)
	set("type", f.Type)
	set("category", f.Category)
	set("location", f.Location)
	set("owner", f.OwnerID)
	set("status", f.Status)
	if f.From != nil {
		q.Set("from", f.From.Format(dateLayout))
	}
	if f.To != nil {
		q.Set("to", f.To.Format(dateLayout))
	}
	if f.Resolved != nil {
		q.Set("resolved", strconv.FormatBool(*f.Resolved))
	}
	return q
}
