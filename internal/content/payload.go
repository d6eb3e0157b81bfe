package content

// ObjectionPayload is the typed view of an objection record.
type ObjectionPayload struct {
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	Variations []string `json:"variations"`
	Script     string   `json:"script"`
	WinRate    float64  `json:"win_rate"`
	Priority   string   `json:"priority"`
	Rank       *int     `json:"rank,omitempty"`
}

// PatternPayload defines a matcher rule distributed through sync.
type PatternPayload struct {
	Name        string   `json:"name"`
	Rule        string   `json:"rule"`
	MinDistinct int      `json:"min_distinct"`
	Categories  []string `json:"categories"`
	Message     string   `json:"message"`
	Script      string   `json:"script"`
	Priority    int      `json:"priority"`
}

type PlaybookPayload struct {
	Phase  string   `json:"phase"`
	Title  string   `json:"title"`
	Steps  []string `json:"steps"`
	Script string   `json:"script"`
}

type TestimonialPayload struct {
	Customer string `json:"customer"`
	Quote    string `json:"quote"`
	Category string `json:"category"`
}

// SearchText returns the human text of a record for indexing.
func (r Record) SearchText() (title, body string) {
	switch r.Kind {
	case KindObjection:
		var p ObjectionPayload
		if r.Decode(&p) != nil {
			return r.ID, ""
		}
		return firstNonEmpty(p.Name, r.ID), joinText(append([]string{p.Category, p.Script}, p.Variations...))
	case KindPlaybook:
		var p PlaybookPayload
		if r.Decode(&p) != nil {
			return r.ID, ""
		}
		return firstNonEmpty(p.Title, p.Phase, r.ID), joinText(append([]string{p.Script}, p.Steps...))
	case KindTestimonial:
		var p TestimonialPayload
		if r.Decode(&p) != nil {
			return r.ID, ""
		}
		return firstNonEmpty(p.Customer, r.ID), joinText([]string{p.Quote, p.Category})
	case KindPattern:
		var p PatternPayload
		if r.Decode(&p) != nil {
			return r.ID, ""
		}
		return firstNonEmpty(p.Name, r.ID), joinText([]string{p.Message, p.Script})
	}
	return r.ID, ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func joinText(parts []string) string {
	out := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += part
	}
	return out
}
