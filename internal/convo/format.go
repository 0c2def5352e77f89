package convo

import (
	"fmt"
	"strings"

	"bot-tienda/internal/repo"
)

// FormatMoney renders a COP amount with dot thousand separators, e.g.
// 45900 -> "$45.900".
func FormatMoney(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	digits := fmt.Sprintf("%d", amount)

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
		if len(digits) > lead {
			b.WriteByte('.')
		}
	}
	for i := lead; i < len(digits); i += 3 {
		b.WriteString(digits[i : i+3])
		if i+3 < len(digits) {
			b.WriteByte('.')
		}
	}
	return b.String()
}

func productCard(p repo.Product) string {
	return fmt.Sprintf("#%d %s\nPrecio: %s\nStock: %d", p.ID, p.Name, FormatMoney(p.Price), p.Stock)
}

func orderInstructions() string {
	return strings.Join([]string{
		"🛒 Para ordenar:",
		"• /add <id|nombre> [cantidad]",
		"• o escríbeme, por ejemplo: \"quiero 2 jabones y 1 shampoo\"",
		"• /carrito para revisar, /checkout para confirmar",
	}, "\n")
}

func helpText() string {
	return strings.Join([]string{
		"Soy Damon, el asistente de la tienda 🤖. Puedo ayudarte así:",
		"",
		"/productos - ver el catálogo",
		"/buscar <texto> - buscar un producto",
		"/add <id|nombre> [cantidad] - agregar al carrito",
		"/carrito - ver tu carrito",
		"/vaciar - vaciar el carrito",
		"/checkout - confirmar tu pedido",
		"/reset - empezar de cero",
		"",
		"También me puedes escribir con tus palabras, mandar una nota de voz o una foto del producto.",
	}, "\n")
}

func welcomeText() string {
	return strings.Join([]string{
		"¡Hola! 👋 Soy Damon, el asistente de la tienda.",
		"",
		"Escríbeme qué necesitas o usa los botones de abajo.",
		"Con /ayuda te muestro todos los comandos.",
	}, "\n")
}
