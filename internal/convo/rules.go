package convo

import (
	"context"
	"regexp"
	"strings"

	"bot-tienda/internal/n8n"
)

// rule is one step of the intent cascade. match sees the lowercased
// text; handle may decline with (false, nil) to let later rules run.
type rule struct {
	name   string
	match  func(lower string) bool
	handle func(ctx context.Context, msg Incoming, text, lower string) (bool, error)
}

var affirmations = map[string]bool{
	"si":     true,
	"sí":     true,
	"ok":     true,
	"okay":   true,
	"dale":   true,
	"claro":  true,
	"listo":  true,
	"bueno":  true,
	"de una": true,
}

var greetingWords = []string{
	"hola", "holi", "buenas", "buenos dias", "buenos días",
	"buenas tardes", "buenas noches", "hey", "saludos", "que tal", "qué tal",
}

var catalogShortcuts = map[string]bool{
	"🛒 ver productos":   true,
	"ver productos":     true,
	"mostrar productos": true,
	"productos":         true,
	"catalogo":          true,
	"catálogo":          true,
}

var cartShortcuts = map[string]bool{
	"🧺 ver carrito": true,
	"ver carrito":   true,
	"mi carrito":    true,
	"carrito":       true,
}

var helpShortcuts = map[string]bool{
	"❓ ayuda": true,
	"ayuda":   true,
	"menu":    true,
	"menú":    true,
}

var cartViewPattern = regexp.MustCompile(`(ver|mostrar|muestra|muéstrame|muestrame).*carrito`)

var checkoutPattern = regexp.MustCompile(`\b(checkout|pagar|finalizar (la )?compra|confirmar (el )?pedido|confirmar compra|realizar compra|hacer pago)\b`)

var clearPattern = regexp.MustCompile(`\b(vaciar|vacia|vacía|limpiar|limpia)\b.*\bcarrito\b|\bvaciar\b`)

var purchaseKeywords = []string{
	"agrega", "agregar", "añade", "añadir", "quiero", "dame", "necesito",
	"comprar", "compra", "producto", "productos", "catalogo", "catálogo",
	"buscar", "precio", "carrito", "pagar", "checkout", "vaciar", "pedido",
	"stock", "cuanto cuesta", "cuánto cuesta",
}

func always(string) bool { return true }

func (e *Engine) buildRules() []rule {
	return []rule{
		{
			// A bare "sí" carries no intent of its own; the safest
			// follow-up is showing what there is to buy.
			name:  "affirmation",
			match: func(lower string) bool { return affirmations[lower] },
			handle: func(ctx context.Context, msg Incoming, _, _ string) (bool, error) {
				return true, e.showCatalog(ctx, msg)
			},
		},
		{
			name: "greeting",
			match: func(lower string) bool {
				for _, w := range greetingWords {
					if strings.Contains(lower, w) {
						return true
					}
				}
				return false
			},
			handle: func(ctx context.Context, msg Incoming, _, _ string) (bool, error) {
				return true, e.sendMenu(ctx, msg, "greeting", welcomeText())
			},
		},
		{
			name:  "catalog_shortcut",
			match: func(lower string) bool { return catalogShortcuts[lower] },
			handle: func(ctx context.Context, msg Incoming, _, _ string) (bool, error) {
				return true, e.showCatalog(ctx, msg)
			},
		},
		{
			name: "cart_shortcut",
			match: func(lower string) bool {
				return cartShortcuts[lower] || cartViewPattern.MatchString(lower)
			},
			handle: func(ctx context.Context, msg Incoming, _, _ string) (bool, error) {
				return true, e.viewCart(ctx, msg)
			},
		},
		{
			name:  "help",
			match: func(lower string) bool { return helpShortcuts[lower] },
			handle: func(ctx context.Context, msg Incoming, _, _ string) (bool, error) {
				return true, e.sendMenu(ctx, msg, "help", helpText())
			},
		},
		{
			name:  "checkout_phrase",
			match: checkoutPattern.MatchString,
			handle: func(ctx context.Context, msg Incoming, _, _ string) (bool, error) {
				return true, e.checkout(ctx, msg)
			},
		},
		{
			name:  "clear_phrase",
			match: clearPattern.MatchString,
			handle: func(ctx context.Context, msg Incoming, _, _ string) (bool, error) {
				return true, e.clearCart(ctx, msg)
			},
		},
		{
			name:  "multi_item",
			match: looksLikeList,
			handle: func(ctx context.Context, msg Incoming, text, _ string) (bool, error) {
				items, err := e.extractItems(ctx, text)
				if err != nil {
					return true, err
				}
				if len(items) == 0 {
					return false, nil
				}
				return true, e.addExtracted(ctx, msg, items)
			},
		},
		{
			name:  "classifier",
			match: hasPurchaseKeyword,
			handle: func(ctx context.Context, msg Incoming, text, _ string) (bool, error) {
				cmd, err := e.ai.ClassifyCommand(ctx, text)
				if err != nil {
					// Classifier trouble means "unsure", and unsure
					// defaults to showing the catalog.
					e.logger.Warn("classify failed", "error", err)
					return true, e.showCatalog(ctx, msg)
				}
				handled, err := e.dispatchCommand(ctx, msg, cmd)
				if err != nil {
					return true, err
				}
				if !handled {
					return true, e.showCatalog(ctx, msg)
				}
				return true, nil
			},
		},
		{
			// Small talk goes to the persona; a failure here falls
			// through to the webhook.
			name:  "chat",
			match: func(lower string) bool { return !hasPurchaseKeyword(lower) },
			handle: func(ctx context.Context, msg Incoming, text, _ string) (bool, error) {
				reply, err := e.ai.ChatReply(ctx, text, e.customerName(msg), e.chatContext(msg.ChatID, text))
				if err != nil || reply == "" {
					if err != nil {
						e.logger.Warn("chat reply failed", "error", err)
					}
					return false, nil
				}
				e.history.Append(msg.ChatID, "asistente", reply)
				return true, e.sendMenu(ctx, msg, "chat", reply)
			},
		},
		{
			name:  "webhook",
			match: always,
			handle: func(ctx context.Context, msg Incoming, text, _ string) (bool, error) {
				if e.hook != nil {
					result := e.hook.Notify(ctx, n8n.Event{
						Type:     "text",
						Text:     text,
						UserID:   msg.UserID,
						Username: msg.Username,
					})
					if result != nil {
						if result.Command != "" {
							handled, err := e.dispatchCommand(ctx, msg, result.Command)
							if err != nil {
								return true, err
							}
							if handled {
								return true, nil
							}
						}
						if result.Reply != "" {
							return true, e.sendMenu(ctx, msg, "webhook", result.Reply)
						}
					}
				}
				return true, e.sendMenu(ctx, msg, "fallback",
					"No estoy seguro de haber entendido 🤔.\n\n"+orderInstructions())
			},
		},
	}
}

func hasPurchaseKeyword(lower string) bool {
	for _, kw := range purchaseKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// dispatchCommand executes a normalized command string coming from the
// classifier or the webhook. Unknown commands return (false, nil).
func (e *Engine) dispatchCommand(ctx context.Context, msg Incoming, cmd string) (bool, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return false, nil
	}
	fields := strings.Fields(cmd)
	head := strings.ToLower(fields[0])
	args := fields[1:]

	switch head {
	case "/productos", "productos":
		return true, e.showCatalog(ctx, msg)
	case "/buscar", "buscar":
		if len(args) == 0 {
			return true, e.send(ctx, msg, "usage", "Uso: /buscar <texto>")
		}
		return true, e.searchProducts(ctx, msg, strings.Join(args, " "))
	case "/add", "add":
		if len(args) == 0 {
			return true, e.send(ctx, msg, "usage", "Uso: /add <id|nombre> [cantidad]")
		}
		return true, e.resolveAndAdd(ctx, msg, args)
	case "/carrito", "carrito":
		return true, e.viewCart(ctx, msg)
	case "/vaciar", "vaciar":
		return true, e.clearCart(ctx, msg)
	case "/checkout", "checkout":
		return true, e.checkout(ctx, msg)
	case "/ayuda", "/menu", "ayuda", "menu":
		return true, e.sendMenu(ctx, msg, "help", helpText())
	}
	return false, nil
}
