package agent

import "testing"

func TestCapabilityRegistry(t *testing.T) {
	r := NewCapabilityRegistry()
	r.Register(Capability{Name: "weather_query", Description: "old", Category: "info"})
	r.Register(Capability{Name: "weather_query", Description: "new", Category: "info"})
	r.Register(Capability{Name: "music_play", Category: "media"})
	r.Register(Capability{Name: "air_quality", Category: "info"})

	c, ok := r.Get("weather_query")
	if !ok || c.Description != "new" {
		t.Errorf("expected last write to win, got %+v", c)
	}
	if c.Parameters["type"] != "object" {
		t.Errorf("expected default object schema, got %v", c.Parameters)
	}

	info := r.ByCategory("info")
	if len(info) != 2 || info[0].Name != "air_quality" {
		t.Errorf("unexpected category listing %+v", info)
	}

	r.Remove("music_play")
	if r.Has("music_play") || len(r.List()) != 2 {
		t.Error("remove failed")
	}
}

func TestObjectSchemaRequired(t *testing.T) {
	s := ObjectSchema(map[string]string{"city": "城市"}, "city")
	req, ok := s["required"].([]string)
	if !ok || len(req) != 1 || req[0] != "city" {
		t.Errorf("unexpected required %v", s["required"])
	}
	props := s["properties"].(map[string]any)
	if _, ok := props["city"]; !ok {
		t.Error("missing property")
	}
}
