// Package labels classifies conversations into one mutually exclusive label
// and derives the behavioral flags each label carries.
package labels

import (
	"strings"
)

// Label is a conversation's current disposition.
type Label string

const (
	DoNotMessage   Label = "do_not_message"
	NotInterested  Label = "not_interested"
	AlreadyBought  Label = "already_bought"
	Converted      Label = "converted"
	Booked         Label = "booked"
	HotLead        Label = "hot_lead"
	Interested     Label = "interested"
	MessageLater   Label = "message_later"
	PriceSensitive Label = "price_sensitive"
	NeedsInfo      Label = "needs_info"
)

// ResponseMode is the agent behavior a label imposes.
type ResponseMode string

const (
	// ModeNormal: the agent responds and may schedule proactive contact.
	ModeNormal ResponseMode = "normal"
	// ModeFAQOnly: reactive answers only, proactive scheduling suppressed.
	ModeFAQOnly ResponseMode = "faq_only"
	// ModeNone: the agent must not respond.
	ModeNone ResponseMode = "none"
	// ModeSilent: like none, and the conversation should not be surfaced.
	ModeSilent ResponseMode = "silent"
)

// Definition describes one label: its match keywords and behavior flags.
type Definition struct {
	Label            Label
	Keywords         []string
	CancelsFollowUps bool
	Mode             ResponseMode
	// Critical labels cannot be downgraded by automatic detection.
	Critical bool
}

// catalog lists all labels in priority order. First match wins.
var catalog = []Definition{
	{
		Label: DoNotMessage,
		Keywords: []string{
			"pare de me enviar", "não me envie", "nao me envie", "me tira da lista",
			"não quero receber", "nao quero receber", "stop messaging",
			"stop texting", "unsubscribe", "don't message me",
		},
		CancelsFollowUps: true,
		Mode:             ModeSilent,
		Critical:         true,
	},
	{
		Label: NotInterested,
		Keywords: []string{
			"não tenho interesse", "nao tenho interesse", "sem interesse",
			"não quero mais", "nao quero mais", "desisti", "not interested",
			"no longer interested",
		},
		CancelsFollowUps: true,
		Mode:             ModeNone,
		Critical:         true,
	},
	{
		Label: AlreadyBought,
		Keywords: []string{
			"já comprei", "ja comprei", "já fechei com outro", "ja fechei com outro",
			"comprei em outro lugar", "already bought", "bought elsewhere",
			"went with another",
		},
		CancelsFollowUps: true,
		Mode:             ModeFAQOnly,
		Critical:         true,
	},
	{
		Label: Converted,
		Keywords: []string{
			"fechado então", "fechado entao", "negócio fechado", "negocio fechado",
			"vamos fechar", "pode fechar", "deal", "let's close", "i'm in",
		},
		CancelsFollowUps: true,
		Mode:             ModeFAQOnly,
	},
	{
		Label: Booked,
		Keywords: []string{
			"visita marcada", "agendado", "agendada", "confirmo o horário",
			"confirmo o horario", "marcamos", "appointment confirmed",
			"see you then", "booked",
		},
		CancelsFollowUps: false,
		Mode:             ModeNormal,
	},
	{
		Label: HotLead,
		Keywords: []string{
			"quero fechar", "quero agendar", "posso visitar", "podemos marcar",
			"quando posso ver", "want to schedule", "can i visit", "ready to buy",
		},
		CancelsFollowUps: false,
		Mode:             ModeNormal,
	},
	{
		Label: Interested,
		Keywords: []string{
			"tenho interesse", "me interessa", "gostei desse", "quero saber mais",
			"me manda mais", "interested", "tell me more", "looks good",
		},
		CancelsFollowUps: false,
		Mode:             ModeNormal,
	},
	{
		Label: MessageLater,
		Keywords: []string{
			"me chama depois", "fala comigo depois", "semana que vem",
			"mês que vem", "mes que vem", "agora não posso", "agora nao posso",
			"message me later", "contact me later", "not right now",
		},
		CancelsFollowUps: false,
		Mode:             ModeNormal,
	},
	{
		Label: PriceSensitive,
		Keywords: []string{
			"muito caro", "tá caro", "ta caro", "fora do orçamento",
			"fora do orcamento", "tem desconto", "consegue melhorar o preço",
			"consegue melhorar o preco", "too expensive", "any discount",
			"over my budget",
		},
		CancelsFollowUps: false,
		Mode:             ModeNormal,
	},
	{
		Label: NeedsInfo,
		Keywords: []string{
			"como funciona", "quais as condições", "quais as condicoes",
			"mais informações", "mais informacoes", "mais detalhes",
			"more information", "more details", "how does it work",
		},
		CancelsFollowUps: false,
		Mode:             ModeNormal,
	},
}

// Catalog returns the label definitions in priority order.
func Catalog() []Definition {
	return catalog
}

// Lookup returns the definition for a label. Unknown (or empty) labels get a
// zero definition with ModeNormal so an unlabeled conversation behaves
// normally.
func Lookup(l Label) Definition {
	for _, d := range catalog {
		if d.Label == l {
			return d
		}
	}
	return Definition{Label: l, Mode: ModeNormal}
}

// Classify runs the deterministic, priority-ordered keyword match over the
// text. Returns false when nothing matches: the caller leaves the current
// label unchanged.
func Classify(text string) (Label, bool) {
	t := strings.ToLower(text)
	for _, d := range catalog {
		for _, kw := range d.Keywords {
			if strings.Contains(t, kw) {
				return d.Label, true
			}
		}
	}
	return "", false
}
