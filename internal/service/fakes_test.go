package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/tabletrack/api/internal/database"
	"github.com/tabletrack/api/internal/ws"
)

// mockTx implements pgx.Tx over a staged copy of memDB.
type mockTx struct {
	db        *memDB
	staged    *memState
	dirty     map[uuid.UUID]bool
	commitErr error
	done      bool
}

func (m *mockTx) Begin(ctx context.Context) (pgx.Tx, error) { panic("not implemented") }
func (m *mockTx) Commit(ctx context.Context) error {
	if m.commitErr != nil {
		return m.commitErr
	}
	m.db.apply(m)
	m.done = true
	return nil
}
func (m *mockTx) Rollback(ctx context.Context) error {
	m.done = true
	return nil
}
func (m *mockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (m *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}
func (m *mockTx) LargeObjects() pgx.LargeObjects { panic("not implemented") }
func (m *mockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (m *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}
func (m *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (m *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not implemented")
}
func (m *mockTx) Conn() *pgx.Conn { panic("not implemented") }

type memState struct {
	orders map[uuid.UUID]database.Order
	items  map[uuid.UUID][]database.OrderItem
}

func (s *memState) clone() *memState {
	c := &memState{
		orders: make(map[uuid.UUID]database.Order, len(s.orders)),
		items:  make(map[uuid.UUID][]database.OrderItem, len(s.items)),
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]database.OrderItem(nil), v...)
	}
	return c
}

// memDB is an in-memory order store with transaction staging. It implements
// TxBeginner; committed state is visible through reads().
type memDB struct {
	mu    sync.Mutex
	state *memState

	beginErr  error
	commitErr error
	// createConflicts makes the next n CreateOrder calls fail with a
	// unique violation on the order number.
	createConflicts int
}

func newMemDB() *memDB {
	return &memDB{state: &memState{
		orders: make(map[uuid.UUID]database.Order),
		items:  make(map[uuid.UUID][]database.OrderItem),
	}}
}

func (db *memDB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	return &mockTx{db: db, staged: db.state.clone(), dirty: map[uuid.UUID]bool{}, commitErr: db.commitErr}, nil
}

func (db *memDB) apply(tx *mockTx) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id := range tx.dirty {
		db.state.orders[id] = tx.staged.orders[id]
		db.state.items[id] = tx.staged.items[id]
	}
}

func (db *memDB) order(id uuid.UUID) database.Order {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state.orders[id]
}

func (db *memDB) count() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.state.orders)
}

// newStore is the NewOrderStore used by tests.
func (db *memDB) newStore(dbtx database.DBTX) OrderStore {
	tx, ok := dbtx.(*mockTx)
	if !ok {
		panic("memDB store requires *mockTx")
	}
	return &memStore{db: db, tx: tx}
}

// reads returns the committed-state store used outside transactions.
func (db *memDB) reads() OrderStore {
	return &memStore{db: db}
}

// memStore implements OrderStore on either a transaction's staged state or,
// when tx is nil, the committed state.
type memStore struct {
	db *memDB
	tx *mockTx
}

func (s *memStore) view(fn func(st *memState)) {
	if s.tx != nil {
		fn(s.tx.staged)
		return
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	fn(s.db.state)
}

func (s *memStore) write(id uuid.UUID, fn func(st *memState)) {
	if s.tx == nil {
		panic("write outside transaction")
	}
	s.tx.dirty[id] = true
	fn(s.tx.staged)
}

func (s *memStore) GetNextOrderSeq(ctx context.Context) (int64, error) {
	var max int64
	s.view(func(st *memState) {
		for _, o := range st.orders {
			if o.OrderSeq > max {
				max = o.OrderSeq
			}
		}
	})
	// Committed orders from concurrent transactions count too.
	s.db.mu.Lock()
	for _, o := range s.db.state.orders {
		if o.OrderSeq > max {
			max = o.OrderSeq
		}
	}
	s.db.mu.Unlock()
	return max + 1, nil
}

func (s *memStore) CreateOrder(ctx context.Context, arg database.CreateOrderParams) (database.Order, error) {
	s.db.mu.Lock()
	if s.db.createConflicts > 0 {
		s.db.createConflicts--
		s.db.mu.Unlock()
		return database.Order{}, &pgconn.PgError{Code: "23505", ConstraintName: "orders_order_number_key"}
	}
	s.db.mu.Unlock()

	o := database.Order{
		ID:                   arg.ID,
		OrderSeq:             arg.OrderSeq,
		OrderNumber:          arg.OrderNumber,
		DeliveryMethod:       arg.DeliveryMethod,
		DeliveryAddress:      arg.DeliveryAddress,
		Status:               "pending",
		PaymentStatus:        "unpaid",
		Subtotal:             arg.Subtotal,
		Tax:                  arg.Tax,
		DeliveryFee:          arg.DeliveryFee,
		Total:                arg.Total,
		EstimatedTimeMinutes: arg.EstimatedTimeMinutes,
		CustomerName:         arg.CustomerName,
		CustomerPhone:        arg.CustomerPhone,
		CustomerEmail:        arg.CustomerEmail,
		Notes:                arg.Notes,
		CustomerRef:          arg.CustomerRef,
		CreatedBy:            arg.CreatedBy,
		CreatedAt:            arg.CreatedAt,
		UpdatedAt:            arg.CreatedAt,
	}
	s.write(o.ID, func(st *memState) { st.orders[o.ID] = o })
	return o, nil
}

func (s *memStore) CreateOrderItem(ctx context.Context, arg database.CreateOrderItemParams) (database.OrderItem, error) {
	item := database.OrderItem{
		ID:        arg.ID,
		OrderID:   arg.OrderID,
		Position:  arg.Position,
		ProductID: arg.ProductID,
		Name:      arg.Name,
		UnitPrice: arg.UnitPrice,
		Quantity:  arg.Quantity,
		LineTotal: arg.LineTotal,
	}
	s.write(arg.OrderID, func(st *memState) { st.items[arg.OrderID] = append(st.items[arg.OrderID], item) })
	return item, nil
}

func (s *memStore) DeleteOrderItems(ctx context.Context, orderID uuid.UUID) error {
	s.write(orderID, func(st *memState) { delete(st.items, orderID) })
	return nil
}

func (s *memStore) GetOrder(ctx context.Context, id uuid.UUID) (database.Order, error) {
	var (
		o  database.Order
		ok bool
	)
	s.view(func(st *memState) { o, ok = st.orders[id] })
	if !ok {
		return database.Order{}, pgx.ErrNoRows
	}
	return o, nil
}

func (s *memStore) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (database.Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *memStore) ListOrders(ctx context.Context, arg database.ListOrdersParams) ([]database.Order, error) {
	var out []database.Order
	s.view(func(st *memState) {
		for _, o := range st.orders {
			if arg.Status.Valid && o.Status != arg.Status.String {
				continue
			}
			if arg.PaymentStatus.Valid && o.PaymentStatus != arg.PaymentStatus.String {
				continue
			}
			if arg.DeliveryMethod.Valid && o.DeliveryMethod != arg.DeliveryMethod.String {
				continue
			}
			if arg.ActiveOnly && (o.Status == "completed" || o.Status == "cancelled") {
				continue
			}
			out = append(out, o)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OrderSeq > out[j].OrderSeq })
	start := int(arg.Offset)
	if start > len(out) {
		start = len(out)
	}
	end := start + int(arg.Limit)
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (s *memStore) ListOrderItemsByOrder(ctx context.Context, orderID uuid.UUID) ([]database.OrderItem, error) {
	var items []database.OrderItem
	s.view(func(st *memState) { items = append([]database.OrderItem{}, st.items[orderID]...) })
	return items, nil
}

func (s *memStore) UpdateOrderStatus(ctx context.Context, arg database.UpdateOrderStatusParams) (database.Order, error) {
	o, err := s.GetOrder(ctx, arg.ID)
	if err != nil {
		return o, err
	}
	if o.Status != arg.Status_2 {
		return database.Order{}, pgx.ErrNoRows
	}
	o.Status = arg.Status
	o.UpdatedAt = arg.UpdatedAt
	s.write(o.ID, func(st *memState) { st.orders[o.ID] = o })
	return o, nil
}

func (s *memStore) UpdateOrderPaymentStatus(ctx context.Context, arg database.UpdateOrderPaymentStatusParams) (database.Order, error) {
	o, err := s.GetOrder(ctx, arg.ID)
	if err != nil {
		return o, err
	}
	o.PaymentStatus = arg.PaymentStatus
	o.UpdatedAt = arg.UpdatedAt
	s.write(o.ID, func(st *memState) { st.orders[o.ID] = o })
	return o, nil
}

func (s *memStore) UpdateOrderTotals(ctx context.Context, arg database.UpdateOrderTotalsParams) (database.Order, error) {
	o, err := s.GetOrder(ctx, arg.ID)
	if err != nil {
		return o, err
	}
	if o.Status != "pending" {
		return database.Order{}, pgx.ErrNoRows
	}
	o.Subtotal = arg.Subtotal
	o.Tax = arg.Tax
	o.DeliveryFee = arg.DeliveryFee
	o.Total = arg.Total
	o.UpdatedAt = arg.UpdatedAt
	s.write(o.ID, func(st *memState) { st.orders[o.ID] = o })
	return o, nil
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []ws.Event
	err    error
}

func (n *recordingNotifier) Publish(evt ws.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, evt)
	return nil
}

func (n *recordingNotifier) snapshot() []ws.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ws.Event(nil), n.events...)
}

// payloadStatus extracts the order status from an event payload.
func payloadStatus(evt ws.Event) string {
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(evt.Payload, &v); err != nil {
		return ""
	}
	return v.Status
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

var errBoom = errors.New("boom")
