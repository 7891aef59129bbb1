package callback

import (
	"regexp"
	"strconv"
)

// The callback envelope and the decrypted event are small, fixed-shape XML
// documents. Field extraction is deliberately permissive: it accepts both
// <Field><![CDATA[v]]></Field> and <Field>v</Field> and ignores everything
// else. Full XML parsing buys nothing here.

var fieldPatterns = func() map[string]*regexp.Regexp {
	patterns := make(map[string]*regexp.Regexp)
	for _, name := range []string{"Encrypt", "SpNo", "SpStatus", "SpName", "StatuChangeEvent"} {
		patterns[name] = regexp.MustCompile(`<` + name + `>(?:<!\[CDATA\[(.*?)\]\]>|(.*?))</` + name + `>`)
	}
	return patterns
}()

// extractField returns the text of the first <name> element, preferring the
// CDATA form.
func extractField(body, name string) string {
	re, ok := fieldPatterns[name]
	if !ok {
		return ""
	}
	m := re.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

func extractIntField(body, name string) int {
	n, _ := strconv.Atoi(extractField(body, name))
	return n
}

// approvalEvent is the decrypted <ApprovalInfo> payload of one push event.
type approvalEvent struct {
	SpNo             string
	SpStatus         int
	SpName           string
	StatuChangeEvent int
}

func parseApprovalEvent(body string) approvalEvent {
	return approvalEvent{
		SpNo:             extractField(body, "SpNo"),
		SpStatus:         extractIntField(body, "SpStatus"),
		SpName:           extractField(body, "SpName"),
		StatuChangeEvent: extractIntField(body, "StatuChangeEvent"),
	}
}
