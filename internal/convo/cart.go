package convo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"bot-tienda/internal/lang"
	"bot-tienda/internal/repo"
)

func (e *Engine) showCatalog(ctx context.Context, msg Incoming) error {
	products, err := e.store.ListProducts(ctx, e.catalogLimit)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	if len(products) == 0 {
		return e.send(ctx, msg, "catalog", "Por ahora no hay productos disponibles 😔. Vuelve pronto.")
	}
	for _, p := range products {
		if err := e.send(ctx, msg, "catalog", productCard(p)); err != nil {
			return err
		}
	}
	return e.sendMenu(ctx, msg, "catalog", orderInstructions())
}

func (e *Engine) searchProducts(ctx context.Context, msg Incoming, term string) error {
	products, err := e.store.SearchProducts(ctx, term, e.catalogLimit)
	if err != nil {
		return fmt.Errorf("search products: %w", err)
	}
	if len(products) == 0 {
		return e.send(ctx, msg, "search", fmt.Sprintf("No encontré productos para \"%s\" 🔍. Prueba con otra palabra o mira /productos.", term))
	}
	cards := make([]string, 0, len(products)+1)
	for _, p := range products {
		cards = append(cards, productCard(p))
	}
	cards = append(cards, "Agrega con /add <id|nombre> [cantidad]")
	return e.sendMenu(ctx, msg, "search", strings.Join(cards, "\n\n"))
}

func (e *Engine) addToCart(ctx context.Context, msg Incoming, productID int64, qty int) error {
	if qty < 1 {
		qty = 1
	}
	product, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("get product %d: %w", productID, err)
	}
	if product == nil {
		return e.send(ctx, msg, "cart", fmt.Sprintf("No encontré el producto #%d 🤔. Mira /productos para ver el catálogo.", productID))
	}
	if product.Stock < int64(qty) {
		return e.send(ctx, msg, "cart", fmt.Sprintf("De %s solo quedan %d unidades 😔.", product.Name, product.Stock))
	}
	e.carts.Add(msg.ChatID, product.ID, qty)
	return e.sendMenu(ctx, msg, "cart", fmt.Sprintf("✅ Agregué %s x%d al carrito.\nRevisa con /carrito o confirma con /checkout.", product.Name, qty))
}

func (e *Engine) viewCart(ctx context.Context, msg Incoming) error {
	items := e.carts.Items(msg.ChatID)
	if len(items) == 0 {
		return e.sendMenu(ctx, msg, "cart", "Tu carrito está vacío 🧺. Mira /productos para empezar.")
	}

	ids := sortedIDs(items)
	lines := []string{"🧺 Tu carrito:"}
	var total int64
	for _, id := range ids {
		qty := items[id]
		product, err := e.store.GetProduct(ctx, id)
		if err != nil {
			return fmt.Errorf("get product %d: %w", id, err)
		}
		if product == nil {
			continue
		}
		subtotal := product.Price * int64(qty)
		total += subtotal
		lines = append(lines, fmt.Sprintf("• %s x%d = %s", product.Name, qty, FormatMoney(subtotal)))
	}
	lines = append(lines, "", fmt.Sprintf("Total: %s", FormatMoney(total)), "Confirma con /checkout o vacía con /vaciar.")
	return e.sendMenu(ctx, msg, "cart", strings.Join(lines, "\n"))
}

func (e *Engine) clearCart(ctx context.Context, msg Incoming) error {
	e.carts.Clear(msg.ChatID)
	return e.sendMenu(ctx, msg, "cart", "Listo, vacié tu carrito 🧺.")
}

// checkout persists the order snapshot first and only then decrements
// stock line by line. A failed decrement never loses the order: the
// reference is already saved and the cart stays intact for a retry.
func (e *Engine) checkout(ctx context.Context, msg Incoming) error {
	items := e.carts.Items(msg.ChatID)
	if len(items) == 0 {
		return e.sendMenu(ctx, msg, "checkout", "Tu carrito está vacío 🧺. Agrega productos antes de confirmar.")
	}

	ids := sortedIDs(items)
	orderItems := make([]repo.OrderItem, 0, len(items))
	var total int64
	for _, id := range ids {
		qty := items[id]
		product, err := e.store.GetProduct(ctx, id)
		if err != nil {
			return fmt.Errorf("get product %d: %w", id, err)
		}
		if product == nil {
			continue
		}
		total += product.Price * int64(qty)
		orderItems = append(orderItems, repo.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			Qty:       qty,
			UnitPrice: product.Price,
		})
	}
	if len(orderItems) == 0 {
		e.carts.Clear(msg.ChatID)
		return e.sendMenu(ctx, msg, "checkout", "Los productos de tu carrito ya no están disponibles 😔. Mira /productos.")
	}

	ref, err := e.store.SaveOrder(ctx, repo.Order{
		ChatID:       msg.ChatID,
		CustomerName: e.customerName(msg),
		Items:        orderItems,
		Total:        total,
	})
	if err != nil {
		e.logger.Error("save order failed", "chat_id", msg.ChatID, "error", err)
		e.metrics.CheckoutTotal.WithLabelValues("save_failed").Inc()
		return e.send(ctx, msg, "checkout", "⚠️ Hubo un error al guardar tu pedido. Intenta de nuevo en un momento.")
	}

	var short []string
	for _, item := range orderItems {
		ok, err := e.store.DecrementStock(ctx, item.ProductID, item.Qty)
		if err != nil {
			e.logger.Error("decrement stock failed", "product_id", item.ProductID, "error", err)
			ok = false
		}
		if !ok {
			short = append(short, fmt.Sprintf("%s (#%d)", item.Name, item.ProductID))
		}
	}
	if len(short) > 0 {
		e.metrics.CheckoutTotal.WithLabelValues("stock_short").Inc()
		return e.sendMenu(ctx, msg, "checkout", fmt.Sprintf(
			"⚠️ Guardé tu pedido %s, pero ya no hay stock suficiente de:\n• %s\n\nTu carrito sigue igual; ajusta las cantidades y vuelve a intentar /checkout.",
			ref, strings.Join(short, "\n• ")))
	}

	e.carts.Clear(msg.ChatID)
	e.metrics.CheckoutTotal.WithLabelValues("success").Inc()
	return e.sendMenu(ctx, msg, "checkout", fmt.Sprintf(
		"🎉 ¡Pedido confirmado, %s!\nReferencia: %s\nTotal: %s\n\nPronto nos pondremos en contacto para coordinar la entrega.",
		e.customerName(msg), ref, FormatMoney(total)))
}

// resolveAndAdd handles /add arguments: an id or a name, with an
// optional quantity at either end.
func (e *Engine) resolveAndAdd(ctx context.Context, msg Incoming, tokens []string) error {
	qty := 1
	rest := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if !isStopword(tok) {
			rest = append(rest, tok)
		}
	}
	if len(rest) == 0 {
		return e.send(ctx, msg, "usage", "Uso: /add <id|nombre> [cantidad]")
	}

	if len(rest) > 1 {
		if n, err := strconv.Atoi(rest[len(rest)-1]); err == nil {
			qty = n
			rest = rest[:len(rest)-1]
		} else if n, err := strconv.Atoi(rest[0]); err == nil {
			qty = n
			rest = rest[1:]
		}
	}
	if qty < 1 {
		qty = 1
	}

	if len(rest) == 1 {
		if id, err := strconv.ParseInt(rest[0], 10, 64); err == nil {
			return e.addToCart(ctx, msg, id, qty)
		}
	}

	name := strings.Join(rest, " ")
	product, err := findBest(ctx, e.store, name)
	if err != nil {
		return fmt.Errorf("match %q: %w", name, err)
	}
	if product == nil {
		return e.send(ctx, msg, "cart", fmt.Sprintf("No encontré un producto parecido a \"%s\" 🤔. Prueba con /buscar %s.", name, name))
	}
	return e.addToCart(ctx, msg, product.ID, qty)
}

// addExtracted applies a multi-item extraction to the cart and sends one
// consolidated summary.
func (e *Engine) addExtracted(ctx context.Context, msg Incoming, items []ExtractedItem) error {
	var added, skipped []string
	for _, it := range items {
		if it.Product.Stock < int64(it.Qty) {
			skipped = append(skipped, fmt.Sprintf("%s (quedan %d)", it.Product.Name, it.Product.Stock))
			continue
		}
		e.carts.Add(msg.ChatID, it.Product.ID, it.Qty)
		added = append(added, fmt.Sprintf("%s x%d", it.Product.Name, it.Qty))
	}

	var parts []string
	if len(added) > 0 {
		parts = append(parts, "✅ Agregué a tu carrito:\n• "+strings.Join(added, "\n• "))
	}
	if len(skipped) > 0 {
		parts = append(parts, "⚠️ No alcanzó el stock para:\n• "+strings.Join(skipped, "\n• "))
	}
	if len(added) > 0 {
		parts = append(parts, "Revisa con /carrito o confirma con /checkout.")
	}
	return e.sendMenu(ctx, msg, "cart", strings.Join(parts, "\n\n"))
}

func isStopword(tok string) bool {
	switch lang.Normalize(tok) {
	case "de", "del", "la", "el", "los", "las", "un", "una":
		return true
	}
	return false
}

func sortedIDs(items map[int64]int) []int64 {
	ids := make([]int64, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
