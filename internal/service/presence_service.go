package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bili/radar-go/internal/client"
	"github.com/bili/radar-go/internal/config"
	"github.com/bili/radar-go/internal/model"
	"github.com/bili/radar-go/internal/store"
	"go.uber.org/zap"
)

const storeTimeout = 5 * time.Second

// Options 在线状态服务依赖
type Options struct {
	Presence      config.PresenceConfig
	RetryInterval time.Duration
	NotifyTimeout time.Duration
	Store         store.PresenceStore
	Notifier      client.Notifier
	Logger        *zap.Logger
}

// RadarStats 雷达统计
type RadarStats struct {
	Online             int `json:"online"`
	OfflineWithCredits int `json:"offline_with_credits"`
	OfflineZeroBalance int `json:"offline_zero_balance"`
	VisibleOnRadar     int `json:"visible_on_radar"`
}

// Health 连接与计时器概况
type Health struct {
	Connections    int `json:"connections"`
	ConnectedUsers int `json:"connected_users"`
	PendingGrace   int `json:"pending_grace_timers"`
	PendingBatch   int `json:"pending_locations"`
	DirtyRecords   int `json:"dirty_records"`
}

// PresenceService 在线状态控制器：串联连接注册、断线宽限、可见性判定、
// 位置合并与事件广播。同一用户的状态变更串行执行。
type PresenceService struct {
	cfg           config.PresenceConfig
	retryInterval time.Duration
	notifyTimeout time.Duration

	store       *store.ResilientStore
	registry    *ConnectionRegistry
	grace       *GraceScheduler
	batcher     *LocationBatcher
	fanout      *BroadcastFanout
	broadcaster Broadcaster
	notifier    client.Notifier

	locks       userLocks
	announced   map[string]struct{} // 已广播过衰减移除的用户
	announcedMu sync.Mutex

	loopCancel   context.CancelFunc
	fanoutCancel context.CancelFunc
	loops        sync.WaitGroup
	fanoutDone   sync.WaitGroup

	metrics *radarMetrics
	logger  *zap.Logger
}

// NewPresenceService 创建在线状态服务
func NewPresenceService(opts Options) *PresenceService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = client.NopNotifier{}
	}

	s := &PresenceService{
		cfg:           opts.Presence,
		retryInterval: opts.RetryInterval,
		notifyTimeout: opts.NotifyTimeout,
		store:         store.NewResilientStore(opts.Store, logger.Named("store")),
		notifier:      notifier,
		announced:     make(map[string]struct{}),
		metrics:       newRadarMetrics(),
		logger:        logger,
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = 3 * time.Second
	}

	s.registry = NewConnectionRegistry(opts.Presence.OrphanSuperseded, logger.Named("registry"))
	s.grace = NewGraceScheduler(opts.Presence.GracePeriod, s.registry.IsUserConnected, s.expireGrace, logger.Named("grace"))
	s.batcher = NewLocationBatcher(opts.Presence.BatchInterval, s.flushLocations, logger.Named("batcher"))
	s.fanout = NewBroadcastFanout(s.registry,
		opts.Presence.FanoutQueueSize,
		opts.Presence.SendBufferSize,
		opts.Presence.WriteTimeout,
		s.connectionLost,
		logger.Named("fanout"))
	s.broadcaster = s.fanout
	return s
}

// Registry 连接注册表
func (s *PresenceService) Registry() *ConnectionRegistry {
	return s.registry
}

// Start 启动后台循环：广播、位置合并、存储重试、衰减巡检、僵尸连接清理
func (s *PresenceService) Start(ctx context.Context) {
	if err := s.PrimeDecayed(ctx); err != nil {
		s.logger.Warn("加载衰减用户失败", zap.Error(err))
	}

	fanoutCtx, fanoutCancel := context.WithCancel(context.Background())
	s.fanoutCancel = fanoutCancel
	s.fanoutDone.Add(1)
	go func() {
		defer s.fanoutDone.Done()
		s.fanout.Run(fanoutCtx)
	}()

	loopCtx, loopCancel := context.WithCancel(ctx)
	s.loopCancel = loopCancel
	s.goLoop(func() { s.batcher.Run(loopCtx) })
	if s.retryInterval > 0 {
		s.goLoop(func() { s.store.Run(loopCtx, s.retryInterval) })
	}
	if s.cfg.DecaySweepInterval > 0 {
		s.goLoop(func() { s.runDecayMonitor(loopCtx) })
	}
	if s.cfg.StaleAfter > 0 {
		s.goLoop(func() { s.runStaleReaper(loopCtx) })
	}

	s.logger.Info("在线状态服务已启动",
		zap.Duration("gracePeriod", s.cfg.GracePeriod),
		zap.Duration("batchInterval", s.cfg.BatchInterval))
}

// Stop 停止后台循环。位置批次先做最后一次发送，广播队列随后清空。
func (s *PresenceService) Stop() {
	s.grace.Stop()
	if s.loopCancel != nil {
		s.loopCancel()
	}
	s.loops.Wait()
	if s.fanoutCancel != nil {
		s.fanoutCancel()
	}
	s.fanoutDone.Wait()
	s.logger.Info("在线状态服务已停止")
}

func (s *PresenceService) goLoop(fn func()) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		fn()
	}()
}

// Connect 连接建立：注册连接、取消宽限计时、置为在线并广播。
// 隐身用户保持隐身且不广播；匿名连接只注册。
func (s *PresenceService) Connect(ctx context.Context, session *model.ConnectionSession) error {
	if session.Anonymous() {
		s.registry.Register(session)
		return nil
	}

	userID := session.UserID
	unlock := s.locks.lock(userID)
	defer unlock()

	s.registry.Register(session)
	if s.grace.CancelGrace(userID) {
		s.logger.Info("用户在宽限期内重连", zap.String("userId", userID))
	}

	now := time.Now()
	rec, _, err := s.loadRecord(ctx, userID)
	if err != nil {
		// 存储不可用且没有已知记录：只写入状态字段，积分与位置保留存储中的值
		s.logger.Warn("读取在线状态失败，仅更新状态字段", zap.String("userId", userID), zap.Error(err))
		if err := s.store.Patch(ctx, userID, func(r *model.PresenceRecord) {
			if r.Status != model.StatusInvisible {
				r.Status = model.StatusOnline
			}
			r.LastSeenAt = now
		}); err != nil {
			s.rollbackConnect(session)
			return fmt.Errorf("更新在线状态失败: %w", err)
		}
		s.metrics.transition(ctx, string(model.StatusOnline))
		s.publishTransition(model.PresenceRecord{UserID: userID, Status: model.StatusOnline}, now)
		return nil
	}
	rec.LastSeenAt = now

	if rec.Status == model.StatusInvisible {
		if err := s.store.Upsert(ctx, rec); err != nil {
			s.rollbackConnect(session)
			return fmt.Errorf("更新最后在线时间失败: %w", err)
		}
		return nil
	}

	rec.Status = model.StatusOnline
	if err := s.store.Upsert(ctx, rec); err != nil {
		s.rollbackConnect(session)
		return fmt.Errorf("更新在线状态失败: %w", err)
	}
	s.metrics.transition(ctx, string(model.StatusOnline))
	s.publishTransition(rec, now)
	return nil
}

// rollbackConnect 连接建立失败时移除注册；用户已没有连接则重新开始宽限计时。调用方需持有用户锁。
func (s *PresenceService) rollbackConnect(session *model.ConnectionSession) {
	s.registry.Unregister(session.ConnectionID)
	if !s.registry.IsUserConnected(session.UserID) {
		s.grace.StartGrace(session.UserID)
	}
}

// Disconnect 连接断开：移除连接，用户没有其他连接时启动宽限计时
func (s *PresenceService) Disconnect(connectionID string) {
	userID := s.registry.Unregister(connectionID)
	if userID == "" {
		return
	}
	s.connectionLost(userID)
}

// connectionLost 用户的连接已移除（正常断开或写失败被清理）
func (s *PresenceService) connectionLost(userID string) {
	unlock := s.locks.lock(userID)
	defer unlock()

	if s.registry.IsUserConnected(userID) {
		return
	}
	s.grace.StartGrace(userID)
}

// expireGrace 宽限期到期且用户未重连：置为离线并广播
func (s *PresenceService) expireGrace(userID string) {
	unlock := s.locks.lock(userID)
	defer unlock()

	if s.registry.IsUserConnected(userID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	now := time.Now()
	rec, _, err := s.loadRecord(ctx, userID)
	if err != nil {
		s.expireUnknown(ctx, userID, now, err)
		return
	}
	rec.LastSeenAt = now

	// 隐身是用户主动选择，宽限期结束不改为离线，也不广播
	if rec.Status == model.StatusInvisible {
		if err := s.store.Upsert(ctx, rec); err != nil {
			s.logger.Error("更新最后在线时间失败", zap.String("userId", userID), zap.Error(err))
		}
		return
	}

	rec.Status = model.StatusOffline
	if err := s.store.Upsert(ctx, rec); err != nil {
		s.logger.Error("更新离线状态失败", zap.String("userId", userID), zap.Error(err))
	}

	s.metrics.graceExpired.Add(ctx, 1)
	s.metrics.transition(ctx, string(model.StatusOffline))
	s.logger.Info("宽限期结束，用户离线",
		zap.String("userId", userID),
		zap.Float64("creditBalance", rec.CreditBalance))

	s.publishTransition(rec, now)
	s.notify(client.NotificationUserOffline, userID, "用户已离线")
}

// expireUnknown 存储不可用时的宽限期结束：只写入状态字段并广播离线。
// 积分未知，是否衰减由存储恢复后的衰减巡检判定。
func (s *PresenceService) expireUnknown(ctx context.Context, userID string, now time.Time, cause error) {
	s.logger.Warn("读取在线状态失败，仅更新状态字段", zap.String("userId", userID), zap.Error(cause))
	if err := s.store.Patch(ctx, userID, func(r *model.PresenceRecord) {
		if r.Status != model.StatusInvisible {
			r.Status = model.StatusOffline
		}
		r.LastSeenAt = now
	}); err != nil {
		s.logger.Error("更新离线状态失败", zap.String("userId", userID), zap.Error(err))
	}

	s.metrics.graceExpired.Add(ctx, 1)
	s.metrics.transition(ctx, string(model.StatusOffline))
	s.broadcaster.Broadcast(model.NewStatusChange(userID, model.StatusOffline, now))
	s.notify(client.NotificationUserOffline, userID, "用户已离线")
}

// SetStatus 设置用户状态，未知用户会被创建
func (s *PresenceService) SetStatus(ctx context.Context, userID, status string) (model.PresenceRecord, error) {
	if userID == "" {
		return model.PresenceRecord{}, store.ErrEmptyUserID
	}
	st, err := model.ParseStatus(status)
	if err != nil {
		return model.PresenceRecord{}, err
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	now := time.Now()
	rec, _, err := s.loadRecord(ctx, userID)
	if err != nil {
		return model.PresenceRecord{}, err
	}
	rec.Status = st
	rec.LastSeenAt = now
	if err := s.store.Upsert(ctx, rec); err != nil {
		return rec, fmt.Errorf("更新在线状态失败: %w", err)
	}

	s.metrics.transition(ctx, string(st))
	s.publishTransition(rec, now)
	return rec, nil
}

// UpdateBalance 更新积分余额。余额变更导致进入衰减状态时广播移除，离开衰减状态时广播状态。
func (s *PresenceService) UpdateBalance(ctx context.Context, userID string, balance float64) (model.PresenceRecord, error) {
	if userID == "" {
		return model.PresenceRecord{}, store.ErrEmptyUserID
	}
	if balance < 0 {
		return model.PresenceRecord{}, model.ErrInvalidBalance
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	rec, found, err := s.loadRecord(ctx, userID)
	if err != nil {
		return model.PresenceRecord{}, err
	}
	wasDecayed := rec.Decayed()
	rec.CreditBalance = balance
	if err := s.store.Upsert(ctx, rec); err != nil {
		return rec, fmt.Errorf("更新积分余额失败: %w", err)
	}

	// 新建的零余额用户从未出现在雷达上，不需要广播移除
	if !found && rec.Decayed() {
		s.markAnnounced(userID)
		return rec, nil
	}
	if rec.Decayed() || wasDecayed {
		s.publishTransition(rec, time.Now())
	}
	return rec, nil
}

// SubmitLocation 提交位置，进入当前合并窗口
func (s *PresenceService) SubmitLocation(userID string, lat, lon float64) error {
	return s.batcher.Submit(userID, lat, lon)
}

// UpdateLocationNow 立即更新位置并广播单条 location_update
func (s *PresenceService) UpdateLocationNow(ctx context.Context, userID string, lat, lon float64, autoDetect bool) (model.PresenceRecord, error) {
	if userID == "" {
		return model.PresenceRecord{}, ErrEmptyUser
	}
	if err := model.ValidateCoordinates(lat, lon); err != nil {
		return model.PresenceRecord{}, err
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	now := time.Now()
	rec, _, err := s.loadRecord(ctx, userID)
	if err != nil {
		return model.PresenceRecord{}, err
	}
	flipped := applyLocation(&rec, lat, lon, now)
	if err := s.store.Upsert(ctx, rec); err != nil {
		return rec, fmt.Errorf("更新位置失败: %w", err)
	}

	if flipped {
		s.metrics.transition(ctx, string(model.StatusOnline))
		s.publishTransition(rec, now)
	}
	if rec.Visible() {
		s.broadcaster.Broadcast(model.NewLocationUpdate(userID, lat, lon, autoDetect, now))
	}
	return rec, nil
}

// flushLocations 合并窗口结束：逐个更新记录，再广播一次批量位置
func (s *PresenceService) flushLocations(ctx context.Context, updates []model.PendingLocationUpdate) {
	entries := make([]model.LocationEntry, 0, len(updates))
	for _, u := range updates {
		rec, err := s.applyPending(ctx, u)
		if err != nil {
			s.logger.Error("更新位置失败", zap.String("userId", u.UserID), zap.Error(err))
			continue
		}
		if rec.Visible() {
			entries = append(entries, model.LocationEntry{
				UserID:    u.UserID,
				Latitude:  u.Latitude,
				Longitude: u.Longitude,
			})
		}
	}

	if len(entries) > 0 {
		s.metrics.batchFlushes.Add(ctx, 1)
		s.broadcaster.Broadcast(model.NewBatchLocationUpdate(entries, time.Now()))
	}
}

func (s *PresenceService) applyPending(ctx context.Context, u model.PendingLocationUpdate) (model.PresenceRecord, error) {
	unlock := s.locks.lock(u.UserID)
	defer unlock()

	rec, _, err := s.loadRecord(ctx, u.UserID)
	if err != nil {
		return model.PresenceRecord{}, err
	}
	flipped := applyLocation(&rec, u.Latitude, u.Longitude, u.ObservedAt)
	if err := s.store.Upsert(ctx, rec); err != nil {
		return rec, err
	}
	if flipped {
		s.metrics.transition(ctx, string(model.StatusOnline))
		s.publishTransition(rec, time.Now())
	}
	return rec, nil
}

// applyLocation 写入位置；离线用户上报位置视为重新上线，返回是否发生了该切换
func applyLocation(rec *model.PresenceRecord, lat, lon float64, at time.Time) bool {
	rec.Latitude = lat
	rec.Longitude = lon
	rec.HasLocation = true
	rec.LastSeenAt = at
	rec.LastLocationUpdateAt = at
	if rec.Status == model.StatusOffline {
		rec.Status = model.StatusOnline
		return true
	}
	return false
}

// Snapshot 当前雷达快照：可见且有位置的用户
func (s *PresenceService) Snapshot(ctx context.Context) (model.RadarSnapshotEvent, error) {
	records, err := s.store.QueryEligible(ctx)
	if err != nil {
		return model.RadarSnapshotEvent{}, fmt.Errorf("查询雷达用户失败: %w", err)
	}

	visible := make([]model.PresenceRecord, 0, len(records))
	for _, r := range records {
		if r.Visible() && r.HasLocation {
			visible = append(visible, r)
		}
	}
	return model.NewRadarSnapshot(visible, time.Now()), nil
}

// SendSnapshot 把雷达快照只发给请求方连接
func (s *PresenceService) SendSnapshot(ctx context.Context, session *model.ConnectionSession) error {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	return session.WriteJSON(snapshot, s.cfg.WriteTimeout)
}

// SweepDecayed 巡检衰减用户，返回本次新广播移除的用户数
func (s *PresenceService) SweepDecayed(ctx context.Context) (int, error) {
	records, err := s.store.QueryDecayed(ctx)
	if err != nil {
		return 0, fmt.Errorf("查询衰减用户失败: %w", err)
	}

	removed := 0
	for _, r := range records {
		if s.isAnnounced(r.UserID) {
			continue
		}
		if s.announceIfDecayed(ctx, r.UserID) {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("衰减巡检完成", zap.Int("removed", removed))
	}
	return removed, nil
}

func (s *PresenceService) announceIfDecayed(ctx context.Context, userID string) bool {
	unlock := s.locks.lock(userID)
	defer unlock()

	rec, err := s.store.Get(ctx, userID)
	if err != nil || !rec.Decayed() {
		return false
	}
	return s.publishTransition(*rec, time.Now())
}

// PrimeDecayed 启动时把已衰减的用户标记为已广播，避免重启后重复移除
func (s *PresenceService) PrimeDecayed(ctx context.Context) error {
	records, err := s.store.QueryDecayed(ctx)
	if err != nil {
		return err
	}
	s.announcedMu.Lock()
	for _, r := range records {
		s.announced[r.UserID] = struct{}{}
	}
	s.announcedMu.Unlock()
	s.logger.Debug("已加载衰减用户", zap.Int("count", len(records)))
	return nil
}

// Stats 雷达统计
func (s *PresenceService) Stats(ctx context.Context) (RadarStats, error) {
	eligible, err := s.store.QueryEligible(ctx)
	if err != nil {
		return RadarStats{}, fmt.Errorf("查询雷达用户失败: %w", err)
	}
	decayedRecs, err := s.store.QueryDecayed(ctx)
	if err != nil {
		return RadarStats{}, fmt.Errorf("查询衰减用户失败: %w", err)
	}

	stats := RadarStats{VisibleOnRadar: len(eligible), OfflineZeroBalance: len(decayedRecs)}
	for _, r := range eligible {
		switch r.Status {
		case model.StatusOnline:
			stats.Online++
		case model.StatusOffline:
			stats.OfflineWithCredits++
		}
	}
	return stats, nil
}

// Health 连接与计时器概况
func (s *PresenceService) Health() Health {
	return Health{
		Connections:    s.registry.Count(),
		ConnectedUsers: s.registry.ConnectedUsers(),
		PendingGrace:   s.grace.Pending(),
		PendingBatch:   s.batcher.Pending(),
		DirtyRecords:   s.store.Dirty(),
	}
}

// publishTransition 按可见性广播状态：进入衰减状态只广播一次移除事件，其余广播状态变更。
// 返回是否广播了移除事件。调用方需持有用户锁。
func (s *PresenceService) publishTransition(rec model.PresenceRecord, now time.Time) bool {
	if rec.Decayed() {
		if !s.markAnnounced(rec.UserID) {
			return false
		}
		s.metrics.decayRemovals.Add(context.Background(), 1)
		s.logger.Info("用户余额为零且离线，从雷达移除", zap.String("userId", rec.UserID))
		s.broadcaster.Broadcast(model.NewUserRemoved(rec.UserID, now))
		s.notify(client.NotificationSilentDecay, rec.UserID, "用户因余额为零已从雷达隐藏")
		return true
	}

	s.clearAnnounced(rec.UserID)
	s.broadcaster.Broadcast(model.NewStatusChange(rec.UserID, rec.Status, now))
	return false
}

func (s *PresenceService) markAnnounced(userID string) bool {
	s.announcedMu.Lock()
	defer s.announcedMu.Unlock()
	if _, ok := s.announced[userID]; ok {
		return false
	}
	s.announced[userID] = struct{}{}
	return true
}

func (s *PresenceService) isAnnounced(userID string) bool {
	s.announcedMu.Lock()
	defer s.announcedMu.Unlock()
	_, ok := s.announced[userID]
	return ok
}

func (s *PresenceService) clearAnnounced(userID string) {
	s.announcedMu.Lock()
	delete(s.announced, userID)
	s.announcedMu.Unlock()
}

// loadRecord 读取记录，不存在时返回新的离线记录，found 为 false。
// 存储不可用时返回错误，调用方不能把它当作新用户写回。
func (s *PresenceService) loadRecord(ctx context.Context, userID string) (rec model.PresenceRecord, found bool, err error) {
	stored, err := s.store.Get(ctx, userID)
	if err == nil {
		return *stored, true, nil
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		return model.PresenceRecord{}, false, fmt.Errorf("读取在线状态失败: %w", err)
	}
	return model.PresenceRecord{UserID: userID, Status: model.StatusOffline}, false, nil
}

// notify 异步发送通知，失败只记录日志
func (s *PresenceService) notify(kind, userID, message string) {
	n := client.NewNotification(kind, userID, message)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("通知发送失败",
				zap.String("type", kind),
				zap.String("userId", userID),
				zap.Error(err))
		}
	}()
}

func (s *PresenceService) runDecayMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DecaySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepDecayed(ctx); err != nil {
				s.logger.Warn("衰减巡检失败", zap.Error(err))
			}
		}
	}
}

// runStaleReaper 关闭长时间没有心跳的连接，读循环随之退出并走正常断开流程
func (s *PresenceService) runStaleReaper(ctx context.Context) {
	interval := s.cfg.StaleAfter / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, session := range s.registry.StaleSessions(s.cfg.StaleAfter) {
				s.logger.Info("清理无心跳连接",
					zap.String("connectionId", session.ConnectionID),
					zap.String("userId", session.UserID),
					zap.Time("lastPingAt", session.LastPingAt()))
				session.Close()
			}
		}
	}
}
