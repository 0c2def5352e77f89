package convo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-tienda/internal/lang"
	"bot-tienda/internal/metrics"
	"bot-tienda/internal/n8n"
	"bot-tienda/internal/repo"
	"bot-tienda/internal/session"
)

type fakeStore struct {
	products map[int64]*repo.Product

	orders     []repo.Order
	saveErr    error
	refuseDecr map[int64]bool
	logs       []repo.MessageRecord

	candidateTokens [][]string
}

func newFakeStore(products ...repo.Product) *fakeStore {
	s := &fakeStore{products: make(map[int64]*repo.Product), refuseDecr: make(map[int64]bool)}
	for i := range products {
		p := products[i]
		s.products[p.ID] = &p
	}
	return s
}

func (s *fakeStore) sorted() []repo.Product {
	out := make([]repo.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *fakeStore) ListProducts(_ context.Context, limit int) ([]repo.Product, error) {
	all := s.sorted()
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *fakeStore) SearchProducts(_ context.Context, term string, limit int) ([]repo.Product, error) {
	var out []repo.Product
	for _, p := range s.sorted() {
		if strings.Contains(lang.Normalize(p.Name), lang.Normalize(term)) {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) GetProduct(_ context.Context, id int64) (*repo.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) CandidatesByTokens(_ context.Context, tokens []string, limit int) ([]repo.Product, error) {
	s.candidateTokens = append(s.candidateTokens, tokens)
	var out []repo.Product
	for _, p := range s.sorted() {
		if p.Stock <= 0 {
			continue
		}
		name := lang.Normalize(p.Name)
		for _, t := range tokens {
			if strings.Contains(name, t) {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i].Name) < len(out[j].Name) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) SearchByPhrase(_ context.Context, phrase string, limit int) ([]repo.Product, error) {
	var out []repo.Product
	for _, p := range s.sorted() {
		if p.Stock > 0 && strings.Contains(lang.Normalize(p.Name), phrase) {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) DecrementStock(_ context.Context, id int64, qty int) (bool, error) {
	if s.refuseDecr[id] {
		return false, nil
	}
	p, ok := s.products[id]
	if !ok || p.Stock < int64(qty) {
		return false, nil
	}
	p.Stock -= int64(qty)
	return true, nil
}

func (s *fakeStore) SaveOrder(_ context.Context, order repo.Order) (string, error) {
	if s.saveErr != nil {
		return "", s.saveErr
	}
	s.orders = append(s.orders, order)
	return "ped-test", nil
}

func (s *fakeStore) LogMessage(_ context.Context, rec repo.MessageRecord) error {
	s.logs = append(s.logs, rec)
	return nil
}

type fakeGateway struct {
	sent []string
	err  error
}

func (g *fakeGateway) SendText(_ context.Context, _ int64, text string) error {
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, text)
	return nil
}

func (g *fakeGateway) SendMenu(ctx context.Context, chatID int64, text string) error {
	return g.SendText(ctx, chatID, text)
}

func (g *fakeGateway) last() string {
	if len(g.sent) == 0 {
		return ""
	}
	return g.sent[len(g.sent)-1]
}

func (g *fakeGateway) all() string { return strings.Join(g.sent, "\n---\n") }

type fakeNLU struct {
	command    string
	commandErr error
	reply      string
	replyErr   error

	classified []string
	chatted    []string
	contexts   [][]session.Entry
}

func (f *fakeNLU) ClassifyCommand(_ context.Context, text string) (string, error) {
	f.classified = append(f.classified, text)
	return f.command, f.commandErr
}

func (f *fakeNLU) ChatReply(_ context.Context, text, _ string, history []session.Entry) (string, error) {
	f.chatted = append(f.chatted, text)
	f.contexts = append(f.contexts, history)
	return f.reply, f.replyErr
}

func (f *fakeNLU) TranscribeAudio(_ context.Context, _ []byte, _ string) (string, error) {
	return "", errors.New("not under test")
}

func (f *fakeNLU) DescribeImage(_ context.Context, _ []byte, _, _ string) (string, error) {
	return "", errors.New("not under test")
}

type fakeHook struct {
	result *n8n.Result
	events []n8n.Event
}

func (f *fakeHook) Notify(_ context.Context, event n8n.Event) *n8n.Result {
	f.events = append(f.events, event)
	return f.result
}

func catalogFixture() *fakeStore {
	return newFakeStore(
		repo.Product{ID: 1, Name: "Jabón de Avena", Price: 4500, Stock: 10},
		repo.Product{ID: 2, Name: "Papel Higiénico x4", Price: 12000, Stock: 5},
		repo.Product{ID: 3, Name: "Toallas de Cocina", Price: 8900, Stock: 3},
		repo.Product{ID: 4, Name: "Crema Dental", Price: 7000, Stock: 0},
	)
}

func newTestEngine(store Store, ai NLU, hook Webhook) (*Engine, *fakeGateway) {
	gw := &fakeGateway{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(store, session.NewCartStore(), session.NewHistoryStore(10),
		ai, hook, gw, nil, metrics.New("test"), logger, 6)
	return e, gw
}

func incoming(text string) Incoming {
	return Incoming{ChatID: 42, UserID: 42, Username: "cliente", DisplayName: "Ana", Text: text}
}

func TestGreetingSendsWelcome(t *testing.T) {
	e, gw := newTestEngine(catalogFixture(), &fakeNLU{}, nil)

	e.HandleText(context.Background(), incoming("Hola!"))

	assert.Contains(t, gw.last(), "Damon")
}

func TestAffirmationShowsCatalog(t *testing.T) {
	for _, text := range []string{"sí", "si", "dale", "claro", "ok", "listo"} {
		e, gw := newTestEngine(catalogFixture(), &fakeNLU{}, nil)

		e.HandleText(context.Background(), incoming(text))

		assert.Contains(t, gw.all(), "Jabón de Avena", "affirmation %q", text)
	}
}

func TestCatalogShortcutListsProducts(t *testing.T) {
	store := catalogFixture()
	e, gw := newTestEngine(store, &fakeNLU{}, nil)

	e.HandleText(context.Background(), incoming("ver productos"))

	out := gw.all()
	assert.Contains(t, out, "Jabón de Avena")
	assert.Contains(t, out, "$4.500")
	assert.Contains(t, out, "/add")
}

func TestCheckoutWithEmptyCartPersistsNothing(t *testing.T) {
	store := catalogFixture()
	e, gw := newTestEngine(store, &fakeNLU{}, nil)

	e.HandleText(context.Background(), incoming("quiero pagar"))

	assert.Empty(t, store.orders)
	assert.Contains(t, gw.last(), "vacío")
}

func TestCheckoutHappyPath(t *testing.T) {
	store := catalogFixture()
	e, gw := newTestEngine(store, &fakeNLU{}, nil)
	ctx := context.Background()

	e.HandleText(ctx, incoming("agrega 2 jabones y 1 papel higienico"))
	e.HandleText(ctx, incoming("quiero pagar"))

	require.Len(t, store.orders, 1)
	order := store.orders[0]
	assert.Equal(t, "Ana", order.CustomerName)
	assert.Equal(t, int64(2*4500+12000), order.Total)

	// stock decremented, cart cleared
	assert.Equal(t, int64(8), store.products[1].Stock)
	assert.Equal(t, int64(4), store.products[2].Stock)
	assert.True(t, e.carts.Empty(42))
	assert.Contains(t, gw.last(), "ped-test")
	assert.Contains(t, gw.last(), "Ana")
}

func TestCheckoutStockShortKeepsCart(t *testing.T) {
	store := catalogFixture()
	store.refuseDecr[2] = true
	e, gw := newTestEngine(store, &fakeNLU{}, nil)
	ctx := context.Background()

	e.HandleText(ctx, incoming("agrega 1 jabon y 1 papel higienico"))
	e.HandleText(ctx, incoming("quiero pagar"))

	// order saved first, reference reported
	require.Len(t, store.orders, 1)
	assert.Contains(t, gw.last(), "ped-test")
	assert.Contains(t, gw.last(), "Papel Higiénico")

	// cart untouched for the retry
	assert.Equal(t, map[int64]int{1: 1, 2: 1}, e.carts.Items(42))
}

func TestCheckoutSaveFailureLeavesStockAlone(t *testing.T) {
	store := catalogFixture()
	store.saveErr = errors.New("db down")
	e, gw := newTestEngine(store, &fakeNLU{}, nil)
	ctx := context.Background()

	e.HandleText(ctx, incoming("agrega 1 jabon"))
	e.HandleText(ctx, incoming("quiero pagar"))

	assert.Equal(t, int64(10), store.products[1].Stock)
	assert.Equal(t, map[int64]int{1: 1}, e.carts.Items(42))
	assert.Contains(t, gw.last(), "error")
}

func TestAddBeyondStockLeavesCartUnchanged(t *testing.T) {
	store := catalogFixture()
	e, gw := newTestEngine(store, &fakeNLU{}, nil)

	e.HandleCommand(context.Background(), incoming(""), "add", "3 100")

	assert.True(t, e.carts.Empty(42))
	assert.Contains(t, gw.last(), "quedan 3")
}

func TestAddByNameResolvesFuzzy(t *testing.T) {
	store := catalogFixture()
	e, gw := newTestEngine(store, &fakeNLU{}, nil)

	e.HandleCommand(context.Background(), incoming(""), "add", "toallas 2")

	assert.Equal(t, map[int64]int{3: 2}, e.carts.Items(42))
	assert.Contains(t, gw.last(), "Toallas de Cocina x2")
}

func TestViewCartIsIdempotent(t *testing.T) {
	store := catalogFixture()
	e, gw := newTestEngine(store, &fakeNLU{}, nil)
	ctx := context.Background()

	e.HandleCommand(ctx, incoming(""), "add", "1 2")
	e.HandleText(ctx, incoming("ver carrito"))
	first := gw.last()
	e.HandleText(ctx, incoming("ver carrito"))

	assert.Equal(t, first, gw.last())
	assert.Equal(t, map[int64]int{1: 2}, e.carts.Items(42))
	assert.Contains(t, first, "$9.000")
}

func TestZeroStockProductInvisibleToMatcher(t *testing.T) {
	store := catalogFixture()
	e, gw := newTestEngine(store, &fakeNLU{}, nil)

	e.HandleCommand(context.Background(), incoming(""), "add", "crema dental")

	assert.True(t, e.carts.Empty(42))
	assert.Contains(t, gw.last(), "No encontré")
}

func TestClassifierDispatchesCommand(t *testing.T) {
	store := catalogFixture()
	ai := &fakeNLU{command: "/buscar jabon"}
	e, gw := newTestEngine(store, ai, nil)

	e.HandleText(context.Background(), incoming("me interesa comprar algo para bañarme"))

	require.Len(t, ai.classified, 1)
	assert.Contains(t, gw.all(), "Jabón de Avena")
}

func TestClassifierUnsureFallsBackToCatalog(t *testing.T) {
	store := catalogFixture()
	ai := &fakeNLU{command: "ni idea"}
	e, gw := newTestEngine(store, ai, nil)

	e.HandleText(context.Background(), incoming("necesito algo para la casa"))

	assert.Contains(t, gw.all(), "Jabón de Avena")
}

func TestClassifierErrorShowsCatalog(t *testing.T) {
	store := catalogFixture()
	ai := &fakeNLU{commandErr: errors.New("gemini timeout")}
	hook := &fakeHook{result: &n8n.Result{Reply: "no deberia llegar aqui"}}
	e, gw := newTestEngine(store, ai, hook)

	e.HandleText(context.Background(), incoming("necesito comprar algo para la casa"))

	require.Len(t, ai.classified, 1)
	assert.Contains(t, gw.all(), "Jabón de Avena")
	assert.Empty(t, ai.chatted)
	assert.Empty(t, hook.events)
}

func TestSmallTalkGoesToPersona(t *testing.T) {
	store := catalogFixture()
	ai := &fakeNLU{reply: "¡Todo bien por acá!"}
	e, gw := newTestEngine(store, ai, nil)

	e.HandleText(context.Background(), incoming("como vas"))

	require.Len(t, ai.chatted, 1)
	assert.Equal(t, "¡Todo bien por acá!", gw.last())

	history := e.history.Recent(42)
	require.Len(t, history, 2)
	assert.Equal(t, "asistente", history[1].Role)
}

func TestChatContextExcludesCurrentMessage(t *testing.T) {
	store := catalogFixture()
	ai := &fakeNLU{reply: "¡Claro que sí!"}
	e, _ := newTestEngine(store, ai, nil)
	e.history.Append(42, "usuario", "gracias por la entrega")
	e.history.Append(42, "asistente", "¡Con gusto!")

	e.HandleText(context.Background(), incoming("como vas"))

	require.Len(t, ai.contexts, 1)
	got := ai.contexts[0]
	require.Len(t, got, 2)
	assert.Equal(t, "¡Con gusto!", got[1].Content)

	// the full history still records the exchange in order
	history := e.history.Recent(42)
	require.Len(t, history, 4)
	assert.Equal(t, "como vas", history[2].Content)
	assert.Equal(t, "¡Claro que sí!", history[3].Content)
}

func TestWebhookFallbackUsesDirectReply(t *testing.T) {
	store := catalogFixture()
	ai := &fakeNLU{replyErr: errors.New("llm down")}
	hook := &fakeHook{result: &n8n.Result{Reply: "Un humano te escribirá pronto."}}
	e, gw := newTestEngine(store, ai, hook)

	e.HandleText(context.Background(), incoming("mmm nose"))

	require.Len(t, hook.events, 1)
	assert.Equal(t, "mmm nose", hook.events[0].Text)
	assert.Equal(t, "Un humano te escribirá pronto.", gw.last())
}

func TestWebhookFallbackDispatchesCommand(t *testing.T) {
	store := catalogFixture()
	ai := &fakeNLU{replyErr: errors.New("llm down")}
	hook := &fakeHook{result: &n8n.Result{Command: "/carrito"}}
	e, gw := newTestEngine(store, ai, hook)

	e.HandleText(context.Background(), incoming("mmm nose"))

	assert.Contains(t, gw.last(), "vacío")
}

func TestNoWebhookFallsBackToFixedMessage(t *testing.T) {
	store := catalogFixture()
	ai := &fakeNLU{replyErr: errors.New("llm down")}
	e, gw := newTestEngine(store, ai, nil)

	e.HandleText(context.Background(), incoming("mmm nose"))

	assert.Contains(t, gw.last(), "No estoy seguro")
	assert.Contains(t, gw.last(), "/add")
}

func TestResetClearsCartAndHistory(t *testing.T) {
	store := catalogFixture()
	e, gw := newTestEngine(store, &fakeNLU{}, nil)
	ctx := context.Background()

	e.HandleCommand(ctx, incoming(""), "add", "1 2")
	e.history.Append(42, "usuario", "hola")
	e.HandleCommand(ctx, incoming(""), "reset", "")

	assert.True(t, e.carts.Empty(42))
	assert.Empty(t, e.history.Recent(42))
	assert.Contains(t, gw.last(), "cero")
}

func TestMessagesAreLogged(t *testing.T) {
	store := catalogFixture()
	e, _ := newTestEngine(store, &fakeNLU{}, nil)

	e.HandleText(context.Background(), incoming("hola"))

	require.NotEmpty(t, store.logs)
	assert.Equal(t, "incoming", store.logs[0].Direction)
	assert.Equal(t, "text", store.logs[0].Kind)
}
