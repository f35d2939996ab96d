package model

import "encoding/json"

// Choice is one selectable option of a choices node. Flow builders have
// exported choices both as bare strings and as objects carrying a text or
// label field, so decoding accepts all three forms.
type Choice struct {
	Text string
}

func (c *Choice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		return nil
	}

	var obj struct {
		Text  string `json:"text"`
		Label string `json:"label"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Text != "" {
		c.Text = obj.Text
	} else {
		c.Text = obj.Label
	}
	return nil
}

func (c Choice) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Text)
}
