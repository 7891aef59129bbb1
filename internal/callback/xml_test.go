package callback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractField(t *testing.T) {
	body := `<xml><Encrypt><![CDATA[abc+def==]]></Encrypt><SpNo>202602140001</SpNo></xml>`

	assert.Equal(t, "abc+def==", extractField(body, "Encrypt"))
	assert.Equal(t, "202602140001", extractField(body, "SpNo"))
	assert.Empty(t, extractField(body, "SpName"))
	assert.Empty(t, extractField(body, "NotARegisteredField"))
	assert.Empty(t, extractField("", "Encrypt"))
}

func TestParseApprovalEvent(t *testing.T) {
	body := `<xml>
  <ApprovalInfo>
    <SpNo><![CDATA[202602140001]]></SpNo>
    <SpName><![CDATA[leave]]></SpName>
    <SpStatus>2</SpStatus>
    <StatuChangeEvent>10</StatuChangeEvent>
  </ApprovalInfo>
</xml>`

	evt := parseApprovalEvent(body)
	assert.Equal(t, "202602140001", evt.SpNo)
	assert.Equal(t, "leave", evt.SpName)
	assert.Equal(t, 2, evt.SpStatus)
	assert.Equal(t, 10, evt.StatuChangeEvent)
}

func TestParseApprovalEventMissingFields(t *testing.T) {
	evt := parseApprovalEvent(`<xml><Other>x</Other></xml>`)
	assert.Empty(t, evt.SpNo)
	assert.Zero(t, evt.SpStatus)
	assert.Zero(t, evt.StatuChangeEvent)
}
