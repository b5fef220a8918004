package config

import (
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Run("single url string", func(t *testing.T) {
		servers, err := ParseICEServersJSON(`[{"urls":"stun:stun.example.com:3478"}]`, false)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(servers) != 1 || len(servers[0].URLs) != 1 {
			t.Fatalf("unexpected servers: %+v", servers)
		}
	})

	t.Run("turn requires credentials", func(t *testing.T) {
		_, err := ParseICEServersJSON(`[{"urls":["turn:turn.example.com:3478"]}]`, false)
		if err == nil {
			t.Fatalf("expected error for turn url without credentials")
		}
	})

	t.Run("turn without credentials ok under turn rest", func(t *testing.T) {
		servers, err := ParseICEServersJSON(`[{"urls":["turn:turn.example.com:3478"]}]`, true)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(servers) != 1 {
			t.Fatalf("unexpected servers: %+v", servers)
		}
	})

	t.Run("rejects non-ice scheme", func(t *testing.T) {
		_, err := ParseICEServersJSON(`[{"urls":["https://example.com"]}]`, false)
		if err == nil {
			t.Fatalf("expected error for non-ice scheme")
		}
	})
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Run("stun and turn lists", func(t *testing.T) {
		servers, err := parseICEServersFromConvenienceEnv(
			"stun:a.example:3478, stun:b.example:3478",
			"turn:t.example:3478",
			"user", "pass", false,
		)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(servers) != 2 {
			t.Fatalf("want 2 servers, got %+v", servers)
		}
		if len(servers[0].URLs) != 2 {
			t.Fatalf("stun list not split: %+v", servers[0])
		}
		if servers[1].Username != "user" {
			t.Fatalf("turn username not applied: %+v", servers[1])
		}
	})

	t.Run("missing turn credentials", func(t *testing.T) {
		_, err := parseICEServersFromConvenienceEnv("", "turn:t.example:3478", "", "", false)
		if err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("empty env falls back to default stun", func(t *testing.T) {
		servers, err := parseICEServersFromConvenienceEnv("", "", "", "", false)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(servers) == 0 {
			t.Fatalf("expected default STUN fallback")
		}
	})
}
