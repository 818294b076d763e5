package domain

import "testing"

func TestEventGetString(t *testing.T) {
	e := &Event{EventData: map[string]interface{}{"filename": "Foo.Bar.2020.mkv"}}

	v, ok := e.GetString("filename")
	if !ok || v != "Foo.Bar.2020.mkv" {
		t.Errorf("GetString() = %q, %v; want present value", v, ok)
	}

	if v, ok := e.GetString("missing"); ok || v != "" {
		t.Errorf("GetString(missing) = %q, %v; want zero value, false", v, ok)
	}

	if got := e.GetStringOr("missing", "fallback"); got != "fallback" {
		t.Errorf("GetStringOr(missing) = %q; want fallback", got)
	}
}

func TestEventGetInt64HandlesJSONFloat(t *testing.T) {
	e := &Event{EventData: map[string]interface{}{
		"response_time": float64(842), // json.Unmarshal produces float64
		"count":         int64(3),
	}}

	if v, ok := e.GetInt64("response_time"); !ok || v != 842 {
		t.Errorf("GetInt64(response_time) = %d, %v; want 842, true", v, ok)
	}
	if v, ok := e.GetInt64("count"); !ok || v != 3 {
		t.Errorf("GetInt64(count) = %d, %v; want 3, true", v, ok)
	}
	if got := e.GetInt64Or("missing", -1); got != -1 {
		t.Errorf("GetInt64Or(missing) = %d; want -1", got)
	}
}

func TestEventGetBool(t *testing.T) {
	e := &Event{EventData: map[string]interface{}{"success": true}}

	if v, ok := e.GetBool("success"); !ok || !v {
		t.Errorf("GetBool(success) = %v, %v; want true, true", v, ok)
	}
	if got := e.GetBoolOr("missing", true); !got {
		t.Error("GetBoolOr(missing) should return the fallback")
	}
}

func TestEventNilEventData(t *testing.T) {
	e := &Event{}
	if _, ok := e.GetString("anything"); ok {
		t.Error("GetString on nil EventData should report not-found")
	}
	if _, ok := e.GetInt64("anything"); ok {
		t.Error("GetInt64 on nil EventData should report not-found")
	}
}

func TestParseReinjectEventData(t *testing.T) {
	e := &Event{EventData: map[string]interface{}{
		"torrent_id":    "T1",
		"filename":      "Foo Bar 2020",
		"success":       true,
		"response_time": float64(120),
	}}

	data := e.ParseReinjectEventData()
	if data.TorrentID != "T1" || data.Filename != "Foo Bar 2020" || !data.Success || data.ResponseTime != 120 {
		t.Errorf("ParseReinjectEventData() = %+v; unexpected fields", data)
	}
}
