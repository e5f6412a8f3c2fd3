package labels

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		want    Label
		matched bool
	}{
		{"opt out phrasing", "Pare de me enviar mensagens por favor", DoNotMessage, true},
		{"not interested pt", "obrigado mas não tenho interesse", NotInterested, true},
		{"already bought", "na verdade já comprei em outra loja", AlreadyBought, true},
		{"converted", "pode fechar! negócio fechado", Converted, true},
		{"booked", "perfeito, visita marcada para sexta", Booked, true},
		{"hot lead", "quero agendar uma visita essa semana", HotLead, true},
		{"interested en", "I'm interested, tell me more", Interested, true},
		{"message later", "agora não posso, me chama depois", MessageLater, true},
		{"price sensitive", "achei muito caro, tem desconto?", PriceSensitive, true},
		{"needs info", "como funciona o financiamento?", NeedsInfo, true},
		{"no match", "bom dia, tudo bem?", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Classify(tt.text)
			if ok != tt.matched {
				t.Fatalf("Classify(%q) matched = %v, want %v", tt.text, ok, tt.matched)
			}
			if got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

// Priority order must win when multiple labels match the same text: a message
// both refusing contact and mentioning price is an opt-out, not a negotiation.
func TestClassifyPriorityOrder(t *testing.T) {
	t.Parallel()

	got, ok := Classify("tá muito caro, não quero receber mais nada")
	if !ok || got != DoNotMessage {
		t.Fatalf("Classify = %q (matched=%v), want %q", got, ok, DoNotMessage)
	}
}

func TestGuard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    Label
		to      Label
		actor   Actor
		wantErr bool
	}{
		{"auto upgrade to critical", Interested, DoNotMessage, ActorAuto, false},
		{"auto downgrade from do_not_message", DoNotMessage, Interested, ActorAuto, true},
		{"auto downgrade from not_interested", NotInterested, HotLead, ActorAuto, true},
		{"auto downgrade from already_bought", AlreadyBought, NeedsInfo, ActorAuto, true},
		{"human downgrade allowed", DoNotMessage, Interested, ActorHuman, false},
		{"auto between non-critical", Interested, HotLead, ActorAuto, false},
		{"same label is a no-op", DoNotMessage, DoNotMessage, ActorAuto, false},
		{"auto from empty", "", Interested, ActorAuto, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Guard(tt.from, tt.to, tt.actor)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Guard(%q, %q, %q) error = %v, wantErr %v",
					tt.from, tt.to, tt.actor, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrProtectedLabel) {
				t.Errorf("error should wrap ErrProtectedLabel, got %v", err)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	if d := Lookup(DoNotMessage); d.Mode != ModeSilent || !d.Critical || !d.CancelsFollowUps {
		t.Errorf("do_not_message definition = %+v", d)
	}
	if d := Lookup(AlreadyBought); d.Mode != ModeFAQOnly {
		t.Errorf("already_bought mode = %q, want faq_only", d.Mode)
	}
	// Unknown labels behave as normal so an unlabeled conversation still works.
	if d := Lookup("something_else"); d.Mode != ModeNormal {
		t.Errorf("unknown label mode = %q, want normal", d.Mode)
	}
	if d := Lookup(""); d.Mode != ModeNormal {
		t.Errorf("empty label mode = %q, want normal", d.Mode)
	}
}

func TestCatalogMutuallyExclusiveModes(t *testing.T) {
	t.Parallel()

	seen := map[Label]bool{}
	for _, d := range Catalog() {
		if seen[d.Label] {
			t.Errorf("label %q appears twice in the catalog", d.Label)
		}
		seen[d.Label] = true
		if len(d.Keywords) == 0 {
			t.Errorf("label %q has no keywords", d.Label)
		}
	}
}
