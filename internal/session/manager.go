// Package session — менеджер сессии агента: вход, восстановление после перезапуска,
// таймер неактивности и принудительный выход с уведомлением остальных компонентов.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/supportsync/internal/activity"
	"github.com/supportsync/internal/api"
	"github.com/supportsync/internal/clock"
	"github.com/supportsync/internal/logger"
	"github.com/supportsync/internal/metrics"
	"github.com/supportsync/internal/model"
	"github.com/supportsync/internal/notify"
	"github.com/supportsync/internal/storage"
)

const (
	DefaultInactivityTimeout = 5 * time.Minute

	storeTimeout      = 3 * time.Second
	revalidateTimeout = 15 * time.Second
)

var ErrNotAuthenticated = errors.New("not authenticated")

type State string

const (
	StateAnonymous     State = "anonymous"
	StateAuthenticated State = "authenticated"
	// StateExpiring — сессия жива и таймер неактивности взведён.
	StateExpiring State = "expiring"
)

// Cause — причина завершения сессии.
type Cause string

const (
	CauseUser         Cause = "user"
	CauseInactivity   Cause = "inactivity"
	CauseExpired      Cause = "expired"
	CauseUnauthorized Cause = "unauthorized"
	CauseRevoked      Cause = "revoked"
)

type Options struct {
	Store             storage.Store
	Auth              api.AuthAPI
	Clock             clock.Clock
	Bus               *notify.Bus
	InactivityTimeout time.Duration
}

// Manager владеет текущей сессией. Ровно один таймер неактивности: каждое взведение
// увеличивает gen, и сработавший колбэк с устаревшим gen ничего не делает.
// epoch меняется при каждом входе и выходе; асинхронные результаты применяются
// только к той сессии, для которой были запрошены.
type Manager struct {
	store   storage.Store
	auth    api.AuthAPI
	clk     clock.Clock
	bus     *notify.Bus
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	sess  *model.Session
	timer clock.Timer
	gen   uint64
	epoch uint64

	// persistMu упорядочивает записи в хранилище; берётся раньше mu.
	persistMu   sync.Mutex
	persistedAt time.Time

	emitMu   sync.Mutex
	subMu    sync.RWMutex
	subNext  int
	subs     map[int]func(*model.Session)
	clearSub map[int]func()
}

func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Bus == nil {
		opts.Bus = notify.NewBus()
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    opts.Store,
		auth:     opts.Auth,
		clk:      opts.Clock,
		bus:      opts.Bus,
		timeout:  opts.InactivityTimeout,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]func(*model.Session)),
		clearSub: make(map[int]func()),
	}
}

// Login входит по email и паролю. При ошибке состояние не меняется.
func (m *Manager) Login(ctx context.Context, cr api.Credentials) (*model.Session, error) {
	res, err := m.auth.Login(ctx, cr)
	if err != nil {
		return nil, err
	}
	out, _ := m.establish(res)
	return out, nil
}

// LoginWithExternalIdentity обменивает утверждение внешнего провайдера на сессию.
// Если серверу не хватает данных, сессия не создаётся: возвращается PartialIdentity
// и AuthFailure с причиной additional_info_required, дальше вызывающий код идёт в Signup.
func (m *Manager) LoginWithExternalIdentity(ctx context.Context, assertion string) (*model.Session, *api.PartialIdentity, error) {
	res, err := m.auth.ExchangeExternalIdentity(ctx, assertion)
	if err != nil {
		return nil, nil, err
	}
	if res.AdditionalInfoRequired || res.Auth == nil {
		return nil, res.PartialIdentity, &api.AuthFailure{Reason: api.ReasonAdditionalInfoRequired}
	}
	out, _ := m.establish(res.Auth)
	return out, nil, nil
}

// Signup завершает регистрацию и входит так же, как Login.
func (m *Manager) Signup(ctx context.Context, req api.SignupRequest) (*model.Session, error) {
	res, err := m.auth.Signup(ctx, req)
	if err != nil {
		return nil, err
	}
	out, _ := m.establish(res)
	return out, nil
}

func (m *Manager) establish(res *api.AuthResult) (*model.Session, uint64) {
	now := m.clk.Now()
	s := &model.Session{Token: res.Token, User: res.User.Clone(), LastActivityAt: now}

	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.sess = s
	m.armLocked()
	out := s.Clone()
	m.mu.Unlock()

	m.persistSession(epoch, out)
	logger.Infof("session established user=%s role=%s", out.User.ID, out.User.Role)
	m.emit()
	return out, epoch
}

// Restore поднимает сохранённую сессию после перезапуска. Протухшая сессия удаляется
// с уведомлением forced_logout и ни разу не становится текущей. Живая восстанавливается,
// активность переотмечается, а токен асинхронно проверяется на сервере.
func (m *Manager) Restore(ctx context.Context) (*model.Session, error) {
	token, ok, err := m.store.Get(ctx, storage.KeyToken)
	if err != nil {
		return nil, fmt.Errorf("session.Restore: %w", err)
	}
	if !ok || token == "" {
		return nil, nil
	}
	userRaw, _, err := m.store.Get(ctx, storage.KeyUser)
	if err != nil {
		return nil, fmt.Errorf("session.Restore: %w", err)
	}
	lastRaw, _, err := m.store.Get(ctx, storage.KeyLastActivity)
	if err != nil {
		return nil, fmt.Errorf("session.Restore: %w", err)
	}

	last, err := time.Parse(time.RFC3339Nano, lastRaw)
	if err != nil {
		m.discardStale(ctx, "missing last activity")
		return nil, nil
	}
	if m.clk.Now().Sub(last) >= m.timeout {
		m.discardStale(ctx, "inactivity timeout elapsed")
		return nil, nil
	}
	var user model.User
	if err := json.Unmarshal([]byte(userRaw), &user); err != nil {
		m.discardStale(ctx, "corrupt user")
		return nil, nil
	}

	s, epoch := m.establish(&api.AuthResult{Token: token, User: user})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.revalidate(epoch, s.Token)
	}()
	return s, nil
}

func (m *Manager) discardStale(ctx context.Context, reason string) {
	m.persistMu.Lock()
	if err := m.store.Delete(ctx, storage.SessionKeys...); err != nil {
		logger.Errorf("session.discardStale: %v", err)
	}
	m.persistedAt = time.Time{}
	m.persistMu.Unlock()
	m.notifyCleared()

	logger.Infof("stored session discarded: %s", reason)
	metrics.Logouts.WithLabelValues(string(CauseExpired)).Inc()
	m.publish(notify.KindForcedLogout, string(CauseExpired))
}

// revalidate проверяет восстановленный токен. Сетевой сбой сессию не трогает,
// явный отказ авторизации завершает её с unauthorized и forced_logout.
func (m *Manager) revalidate(epoch uint64, token string) {
	ctx, cancel := context.WithTimeout(api.WithoutUnauthorizedHook(m.ctx), revalidateTimeout)
	defer cancel()

	u, err := m.auth.CurrentUser(ctx)
	switch {
	case err == nil:
		m.replaceUser(epoch, *u)
	case api.IsUnauthorized(err):
		m.terminate(CauseRevoked, func(s *model.Session) bool {
			return m.epoch == epoch && s.Token == token
		})
	case errors.Is(err, context.Canceled):
	default:
		logger.Infof("session revalidation failed, keeping session: %v", err)
	}
}

// Logout завершает сессию. inactivity=true — выход по неактивности, с forced_logout;
// выход по запросу пользователя уведомлений не шлёт. Ключи хранилища чистятся в любом случае.
func (m *Manager) Logout(ctx context.Context, inactivity bool) {
	cause := CauseUser
	if inactivity {
		cause = CauseInactivity
	}
	if m.terminate(cause, nil) {
		return
	}
	m.persistMu.Lock()
	if err := m.store.Delete(ctx, storage.SessionKeys...); err != nil {
		logger.Errorf("session.Logout: %v", err)
	}
	m.persistMu.Unlock()
	m.notifyCleared()
}

// HandleUnauthorized — хук API-клиента на 401. Отказ по старому токену новую сессию не трогает.
func (m *Manager) HandleUnauthorized(token string) {
	m.terminate(CauseUnauthorized, func(s *model.Session) bool {
		return token == "" || s.Token == token
	})
}

// terminate атомарно снимает текущую сессию. guard вызывается под mu.
// Возвращает false, если сессии не было или guard отказал: уведомление уходит ровно один раз.
func (m *Manager) terminate(cause Cause, guard func(*model.Session) bool) bool {
	m.mu.Lock()
	if m.sess == nil || (guard != nil && !guard(m.sess)) {
		m.mu.Unlock()
		return false
	}
	uid := m.sess.User.ID
	m.sess = nil
	m.epoch++
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	if m.clearPersisted(epoch) {
		m.notifyCleared()
	}
	metrics.Logouts.WithLabelValues(string(cause)).Inc()
	logger.Infof("session ended user=%s cause=%s", uid, cause)
	m.emit()

	switch cause {
	case CauseInactivity:
		m.publish(notify.KindForcedLogout, string(cause))
	case CauseUnauthorized:
		m.publish(notify.KindUnauthorized, string(cause))
	case CauseRevoked:
		m.publish(notify.KindUnauthorized, string(cause))
		m.publish(notify.KindForcedLogout, string(cause))
	}
	return true
}

// RecordActivity переотмечает активность и перевзводит таймер. Без сессии ничего не делает.
func (m *Manager) RecordActivity() bool {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return false
	}
	now := m.clk.Now()
	if !m.sess.Valid(now, m.timeout) {
		// таймер ещё не успел сработать
		m.mu.Unlock()
		m.terminate(CauseInactivity, nil)
		return false
	}
	if now.After(m.sess.LastActivityAt) {
		m.sess.LastActivityAt = now
	}
	at := m.sess.LastActivityAt
	epoch := m.epoch
	m.armLocked()
	m.mu.Unlock()

	m.persistActivity(epoch, at)
	return true
}

func (m *Manager) armLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.gen++
	gen := m.gen
	m.timer = m.clk.AfterFunc(m.timeout, func() { m.onTimeout(gen) })
}

func (m *Manager) onTimeout(gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("session inactivity timer panic: %v", r)
		}
	}()
	m.terminate(CauseInactivity, func(*model.Session) bool { return m.gen == gen })
}

// Refresh перечитывает пользователя с сервера. Токен и отметка активности не меняются.
func (m *Manager) Refresh(ctx context.Context) (*model.User, error) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	epoch, token := m.epoch, m.sess.Token
	m.mu.Unlock()

	u, err := m.auth.CurrentUser(ctx)
	if err != nil {
		if api.IsUnauthorized(err) {
			m.HandleUnauthorized(token)
		}
		return nil, fmt.Errorf("session.Refresh: %w", err)
	}
	if !m.replaceUser(epoch, *u) {
		return nil, ErrNotAuthenticated
	}
	out := u.Clone()
	return &out, nil
}

// UpdateUser сливает частичное обновление профиля в текущего пользователя.
func (m *Manager) UpdateUser(p model.UserPatch) (*model.User, error) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	u := m.sess.User.Apply(p)
	m.sess.User = u
	epoch := m.epoch
	m.mu.Unlock()

	m.persistUser(epoch, u)
	m.emit()
	out := u.Clone()
	return &out, nil
}

func (m *Manager) replaceUser(epoch uint64, u model.User) bool {
	m.mu.Lock()
	if m.sess == nil || m.epoch != epoch {
		m.mu.Unlock()
		return false
	}
	m.sess.User = u.Clone()
	m.mu.Unlock()

	m.persistUser(epoch, u)
	m.emit()
	return true
}

// Current возвращает копию текущей сессии или nil.
func (m *Manager) Current() *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Clone()
}

// Token — источник bearer-токена для API-клиента.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.Token
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.sess == nil:
		return StateAnonymous
	case m.timer != nil:
		return StateExpiring
	default:
		return StateAuthenticated
	}
}

// Subscribe подписывает fn на смену текущей сессии (nil — вышли). Возвращает отписку.
func (m *Manager) Subscribe(fn func(*model.Session)) func() {
	m.subMu.Lock()
	m.subNext++
	id := m.subNext
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// OnCleared подписывает fn на удаление ключей сессии из хранилища: выход, завершение
// сессии и отброшенная при восстановлении протухшая запись. Возвращает отписку.
func (m *Manager) OnCleared(fn func()) func() {
	m.subMu.Lock()
	m.subNext++
	id := m.subNext
	m.clearSub[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.clearSub, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notifyCleared() {
	m.subMu.RLock()
	fns := make([]func(), 0, len(m.clearSub))
	for _, fn := range m.clearSub {
		fns = append(fns, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Attach подключает монитор активности: каждый сигнал продлевает сессию.
func (m *Manager) Attach(mon *activity.Monitor) func() {
	return mon.OnActivity(func(activity.Signal) { m.RecordActivity() })
}

// Bus возвращает шину уведомлений менеджера.
func (m *Manager) Bus() *notify.Bus { return m.bus }

func (m *Manager) Timeout() time.Duration { return m.timeout }

// Wait ждёт завершения фоновых проверок токена.
func (m *Manager) Wait() { m.wg.Wait() }

// Close останавливает таймер и фоновые проверки. Сохранённая сессия остаётся для следующего запуска.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// emit рассылает актуальное на момент вызова состояние, поэтому последняя рассылка
// всегда соответствует итоговой сессии.
func (m *Manager) emit() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	cur := m.Current()
	m.subMu.RLock()
	fns := make([]func(*model.Session), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("session subscriber panic: %v", r)
				}
			}()
			fn(cur.Clone())
		}()
	}
}

func (m *Manager) publish(kind notify.Kind, reason string) {
	metrics.Notifications.WithLabelValues(string(kind)).Inc()
	m.bus.Publish(notify.Event{Kind: kind, Reason: reason, At: m.clk.Now()})
}

func (m *Manager) currentEpoch(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil && m.epoch == epoch
}

func (m *Manager) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (m *Manager) persistSession(epoch uint64, s *model.Session) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if !m.currentEpoch(epoch) {
		return
	}
	ctx, cancel := m.storeCtx()
	defer cancel()
	userRaw, err := json.Marshal(s.User)
	if err != nil {
		logger.Errorf("session.persistSession: marshal user: %v", err)
		return
	}
	for _, kv := range [][2]string{
		{storage.KeyToken, s.Token},
		{storage.KeyUser, string(userRaw)},
		{storage.KeyLastActivity, s.LastActivityAt.UTC().Format(time.RFC3339Nano)},
	} {
		if err := m.store.Set(ctx, kv[0], kv[1]); err != nil {
			logger.Errorf("session.persistSession: %s: %v", kv[0], err)
			return
		}
	}
	m.persistedAt = s.LastActivityAt
}

func (m *Manager) persistActivity(epoch uint64, at time.Time) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if !m.currentEpoch(epoch) || at.Before(m.persistedAt) {
		return
	}
	ctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.store.Set(ctx, storage.KeyLastActivity, at.UTC().Format(time.RFC3339Nano)); err != nil {
		logger.Errorf("session.persistActivity: %v", err)
		return
	}
	m.persistedAt = at
}

func (m *Manager) persistUser(epoch uint64, u model.User) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if !m.currentEpoch(epoch) {
		return
	}
	raw, err := json.Marshal(u)
	if err != nil {
		logger.Errorf("session.persistUser: marshal: %v", err)
		return
	}
	ctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.store.Set(ctx, storage.KeyUser, string(raw)); err != nil {
		logger.Errorf("session.persistUser: %v", err)
	}
}

// clearPersisted удаляет ключи сессии, если за это время не случилось нового входа.
func (m *Manager) clearPersisted(epoch uint64) bool {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	m.mu.Lock()
	stale := m.epoch != epoch
	m.mu.Unlock()
	if stale {
		return false
	}
	ctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.store.Delete(ctx, storage.SessionKeys...); err != nil {
		logger.Errorf("session.clearPersisted: %v", err)
	}
	m.persistedAt = time.Time{}
	return true
}
