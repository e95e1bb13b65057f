package server

import (
	"mooreactor/builtins"
	"mooreactor/db"
	"mooreactor/parser"
	"mooreactor/persist"
	"mooreactor/rpc"
	"mooreactor/session"
	"mooreactor/storage"
	"mooreactor/task"
	"mooreactor/trace"
	"mooreactor/txcache"
	"mooreactor/types"
	"mooreactor/vm"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// InputEvent represents a line of input (or disconnect) from a connection.
// Connection goroutines enqueue these; the scheduler processes them.
type InputEvent struct {
	ConnID       int64
	Player       types.ObjID // negative = pre-login, positive = logged-in
	Line         string
	IsDisconnect bool
	Done         chan struct{} // Closed when processing is complete
}

// Scheduler manages task execution
type Scheduler struct {
	tasks       map[int64]*task.Task
	waiting     *TaskQueue
	nextTaskID  int64
	evaluator   *vm.Evaluator
	registry    *builtins.Registry // Shared builtins registry for bytecode VMs
	store       *db.Store
	connManager *ConnectionManager
	inputQueue  chan InputEvent
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// provider and persistStore back suspended-task persistence: a
	// suspended task's resumption identity is durably recorded on suspend
	// and erased on resume/kill, so LoadPersistedTasks can re-queue
	// whatever was still suspended across a restart.
	provider     *storage.Provider
	persistStore *persist.Store

	// dispatcher backs worker_request(): nil when the
	// server was started without RPC enabled, in which case the builtin
	// reports E_WORKER_ERROR immediately rather than hanging.
	dispatcher *rpc.WorkerDispatcher

	// commitHook runs a completed task's transactional commit work before
	// its session output flushes. A txcache.ErrConflict from the hook
	// re-queues the task for a fresh run instead of surfacing to user code.
	commitHook func(t *task.Task) error
}

// maxCommitRetries bounds how many times a task is transparently re-run
// from scratch after its commit work conflicts; past the bound the task
// fails instead of looping.
const maxCommitRetries = 3

// SetCommitHook installs the per-task commit step.
func (s *Scheduler) SetCommitHook(fn func(t *task.Task) error) {
	s.commitHook = fn
}

// SetWorkerDispatcher attaches the RPC fabric's worker dispatcher so that
// worker_request() can issue out-of-process requests from running tasks.
func (s *Scheduler) SetWorkerDispatcher(d *rpc.WorkerDispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// NewScheduler creates a new task scheduler backed by an in-memory storage
// provider (no suspended-task persistence across process restarts — see
// NewSchedulerWithStorage for a durable one).
func NewScheduler(store *db.Store) *Scheduler {
	provider, err := storage.Open("")
	if err != nil {
		// An in-memory provider never fails to open; a real error here
		// indicates a goleveldb regression, not a runtime condition to
		// recover from.
		panic(fmt.Sprintf("server: opening in-memory storage provider: %v", err))
	}
	return NewSchedulerWithStorage(store, provider)
}

// NewSchedulerWithStorage creates a task scheduler whose suspended tasks are
// persisted to provider's "suspended_tasks" partition.
// Callers that want durability across restarts pass a storage.Provider
// opened against a real data directory and call LoadPersistedTasks once the
// world database has been loaded.
func NewSchedulerWithStorage(store *db.Store, provider *storage.Provider) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		tasks:        make(map[int64]*task.Task),
		waiting:      NewTaskQueue(),
		nextTaskID:   1,
		evaluator:    vm.NewEvaluatorWithStore(store),
		registry:     vm.BuildVMRegistry(store),
		store:        store,
		inputQueue:   make(chan InputEvent, 256),
		ctx:          ctx,
		cancel:       cancel,
		provider:     provider,
		persistStore: persist.NewStore(provider),
	}

	// Builtins like create()/recycle() need verb callbacks in VM mode.
	// Route builtin CallVerb() through scheduler CallVerb().
	s.registry.SetVerbCaller(func(objID types.ObjID, verbName string, args []types.Value, tc *types.TaskContext) types.Result {
		player := types.ObjNothing
		if tc != nil {
			player = tc.Player
			if player == types.ObjNothing {
				player = tc.Programmer
			}
		}
		return s.CallVerb(objID, verbName, args, player)
	})

	return s
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// GetEvaluator returns the scheduler's evaluator
func (s *Scheduler) GetEvaluator() *vm.Evaluator {
	return s.evaluator
}

// SetConnectionManager sets the connection manager for output flushing
func (s *Scheduler) SetConnectionManager(cm *ConnectionManager) {
	s.connManager = cm
}

// EnqueueInput sends an input event to the scheduler for processing.
// The caller should wait on evt.Done to know when processing is complete.
func (s *Scheduler) EnqueueInput(evt InputEvent) {
	s.inputQueue <- evt
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case input := <-s.inputQueue:
			s.processInput(input)
		case <-ticker.C:
			s.processReadyTasks()
		}
	}
}

// processInput handles an input event from a connection.
// All MOO verb execution (login, command dispatch, disconnect hooks) happens here,
// on the scheduler goroutine, matching Toast's single-threaded execution model.
func (s *Scheduler) processInput(input InputEvent) {
	defer func() {
		if input.Done != nil {
			close(input.Done)
		}
	}()

	if input.IsDisconnect {
		s.processDisconnect(input)
		return
	}

	// Check if a task is read()ing from this player — if so, route input there
	if s.deliverToReadingTask(input.Player, input.Line) {
		return
	}

	if input.Player < 0 {
		s.processPreLogin(input)
		return
	}

	s.processCommand(input)
}

// deliverToReadingTask checks whether any suspended task is read()ing from the
// given player. If found, clears the reading flag and resumes the task with the
// input line. Returns true if delivered.
func (s *Scheduler) deliverToReadingTask(player types.ObjID, line string) bool {
	mgr := task.GetManager()
	t := mgr.FindReadingTask(player)
	if t == nil {
		return false
	}
	t.ReadingPlayer = types.ObjNothing
	t.Resume(types.NewStr(line))
	s.deletePersistedTask(t.ID)
	return true
}

// ForceInput implements builtins.InputForcer.
// It injects a line of input for the given player. If a task is currently
// read()ing from that player, the line resumes it directly. Otherwise the
// line is enqueued as a normal InputEvent.
func (s *Scheduler) ForceInput(player types.ObjID, line string, atFront bool) {
	// Try to deliver to a reading task first
	if s.deliverToReadingTask(player, line) {
		return
	}

	// No reading task — enqueue as normal input
	connID := int64(0)
	if s.connManager != nil {
		if conn := s.connManager.GetConnection(player); conn != nil {
			if c, ok := conn.(*Connection); ok {
				connID = c.ID
			}
		}
	}
	evt := InputEvent{
		ConnID: connID,
		Player: player,
		Line:   line,
	}
	s.inputQueue <- evt
}

// processDisconnect handles a disconnect event.
func (s *Scheduler) processDisconnect(input InputEvent) {
	cm := s.connManager
	if cm == nil {
		return
	}

	cm.mu.Lock()
	conn := cm.connections[input.ConnID]
	if conn == nil {
		cm.mu.Unlock()
		return
	}

	wasLoggedIn := conn.IsLoggedIn()
	player := conn.GetPlayer()

	delete(cm.connections, conn.ID)
	if wasLoggedIn {
		delete(cm.playerConns, player)
	} else {
		// Remove pre-login negative ID mapping
		delete(cm.playerConns, types.ObjID(-conn.ID))
	}
	cm.mu.Unlock()

	// Trace disconnect event
	if wasLoggedIn {
		trace.Connection("DISCONNECT", conn.ID, player, "")
	} else {
		trace.Connection("DISCONNECT", conn.ID, types.ObjID(-conn.ID), "unlogged")
	}

	// Call user_disconnected hook on the scheduler goroutine
	if wasLoggedIn {
		s.callUserHook("user_disconnected", player)
	}

	log.Printf("Connection %d closed", conn.ID)
}

// processPreLogin handles input from an unauthenticated connection.
func (s *Scheduler) processPreLogin(input InputEvent) {
	cm := s.connManager
	if cm == nil {
		return
	}

	conn := cm.getConnectionByConnID(input.ConnID)
	if conn == nil {
		return
	}

	if !s.shouldCallDoLoginCommand(conn, input.Line) {
		return
	}

	player, _ := s.callDoLoginCommand(conn, input.Line)
	if player > 0 {
		s.loginPlayer(conn, player)
	}
}

// processCommand handles input from an authenticated (logged-in) connection.
func (s *Scheduler) processCommand(input InputEvent) {
	cm := s.connManager
	if cm == nil {
		return
	}

	conn := cm.getConnectionByConnID(input.ConnID)
	if conn == nil {
		return
	}

	player := conn.GetPlayer()
	playerObj := s.store.Get(player)
	if playerObj == nil {
		return
	}
	location := playerObj.Location

	// Parse the command
	cmd := ParseCommand(input.Line)
	if cmd.Verb == "" {
		return
	}

	// Handle intrinsic commands (PREFIX, SUFFIX, OUTPUTPREFIX, OUTPUTSUFFIX, EVAL)
	verbUpper := strings.ToUpper(cmd.Verb)
	switch verbUpper {
	case "PREFIX", "OUTPUTPREFIX":
		conn.mu.Lock()
		conn.outputPrefix = cmd.Argstr
		conn.mu.Unlock()
		return
	case "SUFFIX", "OUTPUTSUFFIX":
		conn.mu.Lock()
		conn.outputSuffix = cmd.Argstr
		conn.mu.Unlock()
		return
	case "EVAL":
		code := strings.TrimSpace(cmd.Argstr)
		if code == "" {
			return
		}
		// Try database verb dispatch first (matches Toast behavior).
		// In Toast, eval is NOT an intrinsic — it goes through normal
		// verb dispatch. This lets database-defined eval verbs (e.g.
		// #2:eval in the core db) handle formatting and set_task_perms.
		match := FindVerb(s.store, player, location, cmd)
		if match != nil {
			if msg := compileVerbLazily(match.Verb); msg != "" {
				conn.Send(fmt.Sprintf("Verb compile error: %s", msg))
				return
			}
			if match.Verb.Program != nil {
				// Send PREFIX/SUFFIX framing around verb dispatch,
				// matching Toast's output buffer flush behavior.
				outputPrefix := conn.GetOutputPrefix()
				outputSuffix := conn.GetOutputSuffix()
				if outputPrefix != "" {
					_ = conn.Send(outputPrefix)
				}
				s.executeVerbTaskSync(player, match, cmd, outputSuffix)
				return
			}
		}
		// Fallback for databases without an eval verb
		s.EvalCommand(player, code, conn)
		return
	}

	// Raw command response framing for conformance transport.
	outputPrefix := conn.GetOutputPrefix()
	outputSuffix := conn.GetOutputSuffix()
	if outputPrefix != "" {
		_ = conn.Send(outputPrefix)
	}

	// Invoke #0:do_command for normal commands
	handled, _ := s.callDoCommand(player, input.Line)
	if handled {
		if outputSuffix != "" {
			_ = conn.Send(outputSuffix)
		}
		return
	}

	// Resolve direct object
	if cmd.Dobjstr != "" {
		cmd.Dobj = MatchObject(s.store, player, location, cmd.Dobjstr)
	}

	// Resolve indirect object
	if cmd.Iobjstr != "" {
		cmd.Iobj = MatchObject(s.store, player, location, cmd.Iobjstr)
	}

	// Find the verb
	match := FindVerb(s.store, player, location, cmd)
	if match == nil {
		if hasVerbNameMatch(s.store, player, location, cmd) {
			conn.Send("I couldn't understand that.")
			if outputSuffix != "" {
				_ = conn.Send(outputSuffix)
			}
			return
		}

		// Try player.location:huh fallback
		if huhVerb, huhVerbLoc, err := s.store.FindVerb(location, "huh"); err == nil && huhVerb != nil {
			huhMatch := &VerbMatch{
				Verb:    huhVerb,
				This:    location,
				VerbLoc: huhVerbLoc,
			}

			if msg := compileVerbLazily(huhMatch.Verb); msg != "" {
				conn.Send(fmt.Sprintf("Verb compile error: %s", msg))
				if outputSuffix != "" {
					_ = conn.Send(outputSuffix)
				}
				return
			}

			if huhMatch.Verb.Program == nil || len(huhMatch.Verb.Program.Statements) == 0 {
				conn.Send("I couldn't understand that.")
				if outputSuffix != "" {
					_ = conn.Send(outputSuffix)
				}
				return
			}

			// Execute huh() synchronously on the scheduler goroutine
			s.executeVerbTaskSync(player, huhMatch, cmd, outputSuffix)
			return
		}
		conn.Send("I couldn't understand that.")
		if outputSuffix != "" {
			_ = conn.Send(outputSuffix)
		}
		return
	}

	// Compile verb if needed (lazy compilation)
	if msg := compileVerbLazily(match.Verb); msg != "" {
		conn.Send(fmt.Sprintf("Verb compile error: %s", msg))
		if outputSuffix != "" {
			_ = conn.Send(outputSuffix)
		}
		return
	}

	// Execute the verb
	if match.Verb.Program == nil || len(match.Verb.Program.Statements) == 0 {
		conn.Send(fmt.Sprintf("[%s has no code]", match.Verb.Name))
		if outputSuffix != "" {
			_ = conn.Send(outputSuffix)
		}
		return
	}

	// Execute verb synchronously on the scheduler goroutine
	s.executeVerbTaskSync(player, match, cmd, outputSuffix)
}

// newVerbVM builds a VM bound to ctx with the initial frame for a
// verb-style invocation pushed and the intrinsic variables every top frame
// carries (this/player/caller/verb/args) bound. thisVal overrides the
// `this` binding when the callee's `this` is not a plain object reference
// (anonymous objects); nil binds `this` as an object.
func (s *Scheduler) newVerbVM(ctx *types.TaskContext, prog *vm.Program, this types.ObjID, thisVal types.Value,
	player, caller types.ObjID, verb string, verbLoc types.ObjID, args []types.Value, tickLimit int64) (*vm.VM, *vm.StackFrame) {
	bcVM := vm.NewVM(s.store, s.registry)
	bcVM.Context = ctx
	bcVM.TickLimit = tickLimit

	frame := bcVM.PrepareVerbFrame(prog, this, player, caller, verb, verbLoc, args)
	if thisVal == nil {
		thisVal = types.NewObj(this)
	}
	vm.SetLocalByNamePublic(frame, prog, "this", thisVal)
	vm.SetLocalByNamePublic(frame, prog, "player", types.NewObj(player))
	vm.SetLocalByNamePublic(frame, prog, "caller", types.NewObj(caller))
	vm.SetLocalByNamePublic(frame, prog, "verb", types.NewStr(verb))
	vm.SetLocalByNamePublic(frame, prog, "args", types.NewList(args))
	return bcVM, frame
}

// bindCommandVars binds the command-parser variables (argstr, dobj, and
// friends) on a prepared frame. A nil task binds the empty-command shape
// top-level eval runs with.
func bindCommandVars(frame *vm.StackFrame, prog *vm.Program, t *task.Task) {
	argstr, dobjstr, prepstr, iobjstr := "", "", "", ""
	dobj, iobj := types.ObjNothing, types.ObjNothing
	if t != nil {
		argstr, dobjstr, prepstr, iobjstr = t.Argstr, t.Dobjstr, t.Prepstr, t.Iobjstr
		dobj, iobj = t.Dobj, t.Iobj
	}
	vm.SetLocalByNamePublic(frame, prog, "argstr", types.NewStr(argstr))
	vm.SetLocalByNamePublic(frame, prog, "dobjstr", types.NewStr(dobjstr))
	vm.SetLocalByNamePublic(frame, prog, "iobjstr", types.NewStr(iobjstr))
	vm.SetLocalByNamePublic(frame, prog, "prepstr", types.NewStr(prepstr))
	vm.SetLocalByNamePublic(frame, prog, "dobj", types.NewObj(dobj))
	vm.SetLocalByNamePublic(frame, prog, "iobj", types.NewObj(iobj))
}

// executeVerbTaskSync creates and immediately runs a verb task on the scheduler goroutine.
// This replaces the CreateVerbTask + <-done pattern used when connection goroutines
// dispatched commands directly.
func (s *Scheduler) executeVerbTaskSync(player types.ObjID, match *VerbMatch, cmd *ParsedCommand, outputSuffix string) {
	taskID := atomic.AddInt64(&s.nextTaskID, 1)
	t := task.NewTaskFull(taskID, player, match.Verb.Program.Statements, 300000, 5.0)
	t.StartTime = time.Now()
	t.Programmer = match.Verb.Owner
	t.Context.Programmer = match.Verb.Owner
	t.Context.IsWizard = s.isWizard(match.Verb.Owner)
	t.Context.Session = s.newSessionFor(player)
	t.Context.Dispatcher = s.dispatcher

	t.VerbName = cmd.Verb
	t.VerbLoc = match.VerbLoc
	t.This = match.This
	t.Caller = player
	t.Argstr = cmd.Argstr
	t.Args = cmd.Args
	t.Dobjstr = cmd.Dobjstr
	t.Dobj = cmd.Dobj
	t.Prepstr = cmd.Prepstr
	t.Iobjstr = cmd.Iobjstr
	t.Iobj = cmd.Iobj
	t.CommandOutputSuffix = outputSuffix
	t.ForkCreator = s

	// Register task
	t.SetState(task.TaskQueued)
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	task.GetManager().RegisterTask(t)

	// Run synchronously on the scheduler goroutine; a conflicting commit
	// re-runs the task inline rather than round-tripping the waiting heap.
	for {
		err := s.runTask(t)
		if err != nil {
			log.Printf("Task %d (#%d:%s) error: %v", t.ID, t.This, t.VerbName, err)
		}
		if !s.taskCommitConflicted(t) {
			break
		}
	}

	// Commit or roll back the task's buffered session output, then emit
	// the raw-command framing suffix.
	commitOrRollbackSession(t)
	if s.connManager != nil {
		if conn := s.connManager.GetConnection(t.Owner); conn != nil && t.CommandOutputSuffix != "" {
			_ = conn.Send(t.CommandOutputSuffix)
		}
	}
}

// shouldCallDoLoginCommand checks whether do_login_command should be called
// for the given input. Trusted proxy blank lines route through do_blank_command first.
func (s *Scheduler) shouldCallDoLoginCommand(conn *Connection, line string) bool {
	if line != "" || !s.isTrustedProxyConnection(conn) {
		return true
	}

	allowLogin, err := s.callDoBlankCommand(conn, line)
	if err != nil {
		log.Printf("do_blank_command failed: %v", err)
		return false
	}
	return allowLogin
}

// resultStack pulls the activation frames a failed verb call captured,
// when any were recorded.
func resultStack(result types.Result) []task.ActivationFrame {
	if result.CallStack != nil {
		if stack, ok := result.CallStack.([]task.ActivationFrame); ok {
			return stack
		}
	}
	return nil
}

// strArgs builds the word-list argument vector system hooks receive.
func strArgs(words []string) []types.Value {
	args := make([]types.Value, len(words))
	for i, word := range words {
		args[i] = types.NewStr(word)
	}
	return args
}

// callSystemHook runs #0:name(args) on behalf of player. ok reports
// whether the hook ran to completion: a missing verb comes back ok=false
// with E_VERBNF in the result, and any other exception is logged and
// delivered to the player as a traceback before reporting ok=false.
// sendTracebackToPlayer resolves negative (pre-login) ids to their
// connection, so hooks fired before login report the same way.
func (s *Scheduler) callSystemHook(name string, player types.ObjID, args []types.Value) (types.Result, bool) {
	result := s.CallVerb(0, name, args, player)
	if result.Flow != types.FlowException {
		return result, true
	}
	if result.Error != types.E_VERBNF {
		log.Printf("%s error: %v", name, result.Error)
		s.sendTracebackToPlayer(player, result.Error, resultStack(result))
	}
	return result, false
}

// callDoLoginCommand calls #0:do_login_command with the given line.
// Returns the player ObjID if login succeeded, or a negative value on failure.
func (s *Scheduler) callDoLoginCommand(conn *Connection, line string) (types.ObjID, error) {
	systemObj := s.store.Get(0)
	if systemObj == nil {
		return types.ObjID(-1), fmt.Errorf("system object not found")
	}
	if systemObj.Verbs["do_login_command"] == nil {
		conn.Send("Welcome! (No login handler defined)")
		return types.ObjID(2), nil
	}

	connID := types.ObjID(-conn.ID)
	result, ok := s.callSystemHook("do_login_command", connID, strArgs(strings.Fields(line)))
	if !ok {
		return types.ObjID(-1), nil
	}

	if objVal, isObj := result.Val.(types.ObjValue); isObj {
		if playerID := objVal.ID(); playerID > 0 {
			if obj := s.store.Get(playerID); obj != nil && obj.Flags.Has(db.FlagUser) {
				return playerID, nil
			}
		}
	}

	// The verb may also log in by side effect (switch_player).
	if current := conn.GetPlayer(); current > 0 {
		return current, nil
	}
	return types.ObjID(-1), nil
}

// callDoBlankCommand calls #0:do_blank_command and returns whether login
// should proceed.
func (s *Scheduler) callDoBlankCommand(conn *Connection, line string) (bool, error) {
	connID := types.ObjID(-conn.ID)
	result, ok := s.callSystemHook("do_blank_command", connID, strArgs(strings.Fields(line)))
	if !ok || result.Val == nil {
		return false, nil
	}
	return result.Val.Truthy(), nil
}

// callDoCommand calls #0:do_command(command) and returns whether the
// command was handled there. A crashing hook counts as handled so the
// command is not run twice.
func (s *Scheduler) callDoCommand(player types.ObjID, line string) (bool, error) {
	result, ok := s.callSystemHook("do_command", player, []types.Value{types.NewStr(line)})
	if !ok {
		return result.Error != types.E_VERBNF, nil
	}
	if result.Val == nil {
		return false, nil
	}
	return result.Val.Truthy(), nil
}

// callUserHook fires one of the #0:user_* notification verbs
// (user_connected, user_reconnected, user_disconnected) for player; these
// hooks have no result worth inspecting.
func (s *Scheduler) callUserHook(name string, player types.ObjID) {
	s.callSystemHook(name, player, []types.Value{types.NewObj(player)})
}

// connectMessage returns the server_options.connect_msg value,
// falling back to "*** Connected ***" if not set.
func (s *Scheduler) connectMessage() string {
	if val, ok := s.getServerOption(0, "connect_msg"); ok {
		if strVal, ok := val.(types.StrValue); ok && strVal.Value() != "" {
			return strVal.Value()
		}
	}
	return "*** Connected ***"
}

// loginPlayer associates a connection with a player.
// Called on the scheduler goroutine after a successful do_login_command.
func (s *Scheduler) loginPlayer(conn *Connection, player types.ObjID) {
	cm := s.connManager
	if cm == nil {
		return
	}

	cm.mu.Lock()

	// Remove negative ID mapping (used for pre-login notify())
	delete(cm.playerConns, types.ObjID(-conn.ID))

	// Check if player already connected
	alreadyLoggedIn := false
	reconnection := false
	var existingConn *Connection
	if ec, exists := cm.playerConns[player]; exists {
		if ec == conn {
			alreadyLoggedIn = true
		} else {
			existingConn = ec
			reconnection = true
		}
	}

	if !alreadyLoggedIn {
		conn.SetPlayer(player)
		conn.ConnectionTime = time.Now()
		cm.playerConns[player] = conn
	}

	cm.mu.Unlock()

	// Trace login event
	if reconnection {
		trace.Connection("RECONNECT", conn.ID, player, "")
	} else {
		trace.Connection("LOGIN", conn.ID, player, "")
	}

	// Call hooks on the scheduler goroutine
	if alreadyLoggedIn {
		// Ensure ConnectionTime is set even if switch_player handled login
		if conn.ConnectionTime.IsZero() {
			conn.ConnectionTime = time.Now()
		}
		log.Printf("Connection %d already logged in as player %d via switch_player", conn.ID, player)
		_ = conn.Send(s.connectMessage())
		s.callUserHook("user_connected", player)
		return
	}

	if reconnection {
		existingConn.Send("You have been disconnected (reconnected elsewhere)")
		existingConn.Close()
		s.callUserHook("user_reconnected", player)
	} else {
		_ = conn.Send(s.connectMessage())
		s.callUserHook("user_connected", player)
	}

	log.Printf("Connection %d logged in as player %d", conn.ID, player)
}

// sendTracebackToPlayer sends a formatted traceback to the player's connection
func (s *Scheduler) sendTracebackToPlayer(player types.ObjID, err types.ErrorCode, stack []task.ActivationFrame) {
	if s.connManager == nil {
		return
	}

	// Format traceback first
	lines := task.FormatTraceback(stack, err, player)

	conn := s.connManager.GetConnection(player)
	if conn == nil {
		log.Printf("Traceback for player %v (connection not found):", player)
		for _, line := range lines {
			log.Printf("  %s", line)
		}
		return
	}

	for _, line := range lines {
		conn.Send(line)
	}
}

// isTrustedProxyConnection checks if a connection's IP is in the trusted proxies list.
func (s *Scheduler) isTrustedProxyConnection(conn *Connection) bool {
	trustedProxies, ok := s.getServerOption(0, "trusted_proxies")
	if !ok {
		return false
	}

	addr := conn.RemoteAddr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := strings.Trim(host, "[]")
	if ip == "" {
		return false
	}

	return listContainsString(trustedProxies, ip)
}

// listContainsString reports whether a MOO list value has an exact string
// member. Non-list values and non-string members report false.
func listContainsString(val types.Value, s string) bool {
	list, ok := val.(types.ListValue)
	if !ok {
		return false
	}
	for i := 1; i <= list.Len(); i++ {
		if sv, ok := list.Get(i).(types.StrValue); ok && sv.Value() == s {
			return true
		}
	}
	return false
}

// getServerOption looks up a server option from the server_options property.
func (s *Scheduler) getServerOption(listener types.ObjID, name string) (types.Value, bool) {
	serverOptions := s.findPropertyInherited(listener, "server_options")
	if serverOptions == nil && listener != 0 {
		serverOptions = s.findPropertyInherited(0, "server_options")
	}
	if serverOptions == nil {
		return nil, false
	}

	serverOptionsObj, ok := serverOptions.Value.(types.ObjValue)
	if !ok {
		return nil, false
	}

	prop := s.findPropertyInherited(serverOptionsObj.ID(), name)
	if prop == nil {
		return nil, false
	}
	return prop.Value, true
}

// findPropertyInherited walks the parent chain to find a property.
func (s *Scheduler) findPropertyInherited(objID types.ObjID, name string) *db.Property {
	queue := []types.ObjID{objID}
	visited := make(map[types.ObjID]bool)

	for len(queue) > 0 {
		currentID := queue[0]
		queue = queue[1:]

		if visited[currentID] {
			continue
		}
		visited[currentID] = true

		current := s.store.Get(currentID)
		if current == nil {
			continue
		}

		if prop, ok := current.Properties[name]; ok {
			return prop
		}

		queue = append(queue, current.Parents...)
	}

	return nil
}

// processReadyTasks executes tasks that are ready to run
func (s *Scheduler) processReadyTasks() {
	s.mu.Lock()

	now := time.Now()
	var readyTasks []*task.Task

	// Collect all ready tasks from waiting queue
	for s.waiting.Len() > 0 {
		t := s.waiting.Peek()
		if t.StartTime.After(now) {
			break // Tasks are ordered by start time
		}
		heap.Pop(s.waiting)
		if t.GetState() != task.TaskQueued {
			// Ignore tasks killed/suspended after enqueue.
			continue
		}
		readyTasks = append(readyTasks, t)
	}

	// Build set of tasks already collected from the waiting heap
	// to avoid double-scheduling them in the resumed scan below.
	heapReady := make(map[int64]bool, len(readyTasks))
	for _, t := range readyTasks {
		heapReady[t.ID] = true
	}

	// Check for suspended/resumed tasks that need to be re-run.
	// These are tasks that were suspended and later resumed via resume() builtin
	for _, t := range s.tasks {
		if heapReady[t.ID] {
			continue // Already collected from waiting heap
		}

		// Timed suspension wake-up: suspend(seconds) resumes after deadline.
		if t.WakeDue(now) {
			if t.Resume(types.NewInt(0)) {
				readyTasks = append(readyTasks, t)
				s.deletePersistedTask(t.ID)
			}
			continue
		}

		// TaskQueued state means it was resumed and is ready to run again
		// We need to check if it's not already in readyTasks and not in waiting queue
		if t.GetState() == task.TaskQueued && (t.StmtIndex > 0 || t.BytecodeVM != nil) {
			// This is a resumed task (StmtIndex > 0 or BytecodeVM saved means it was partially executed)
			// Check if wake time has passed (or no wake time was set)
			// Also check StartTime to avoid running delayed forks before their delay.
			if (t.WakeTime.IsZero() || !t.WakeTime.After(now)) && !t.StartTime.After(now) {
				readyTasks = append(readyTasks, t)
			}
		}
	}

	s.mu.Unlock()

	// Execute ready tasks sequentially on the scheduler goroutine.
	// Toast is single-threaded: one task at a time. No concurrent MOO execution.
	for _, t := range readyTasks {
		err := s.runTask(t)
		if err != nil {
			log.Printf("Task %d (#%d:%s) error: %v", t.ID, t.This, t.VerbName, err)
		}

		// A conflicting commit re-queues the task for a fresh run; its
		// session buffer is discarded and nothing is surfaced to user code.
		if s.requeueOnConflict(t) {
			continue
		}

		// Commit or roll back the task's buffered session output: rollback
		// discards the buffer, so an uncaught exception must not flush
		// whatever notify(..., 1) calls it made on the way to failing.
		commitOrRollbackSession(t)
		if s.connManager != nil {
			if conn := s.connManager.GetConnection(t.Owner); conn != nil && t.CommandOutputSuffix != "" {
				// For raw command execution, emit framing suffix after task output.
				_ = conn.Send(t.CommandOutputSuffix)
			}
		}

		// Signal task completion so callers waiting on Done can proceed
		if t.Done != nil {
			close(t.Done)
		}
	}
}

// runTask executes a task's code using the bytecode VM
func (s *Scheduler) runTask(t *task.Task) (retErr error) {
	// Recover from panics to avoid crashing the server
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC in runTask(%d): %v", t.ID, r)
			t.SetState(task.TaskKilled)
			retErr = fmt.Errorf("internal panic: %v", r)
		}
	}()

	t.SetState(task.TaskRunning)

	ctx := t.Context
	if ctx == nil {
		t.SetState(task.TaskKilled)
		return errors.New("task has no context")
	}

	// Attach task to context so builtins can access task_local
	ctx.Task = t
	ctx.TaskID = t.ID
	if ctx.Dispatcher == nil {
		ctx.Dispatcher = s.dispatcher
	}

	// Set up cancellation with deadline
	deadline := t.StartTime.Add(time.Duration(t.SecondsLimit * float64(time.Second)))
	taskCtx, cancel := context.WithDeadline(s.ctx, deadline)
	t.CancelFunc = cancel
	defer cancel()

	var result types.Result
	var bcVM *vm.VM
	anonGCFloor := s.store.NextID()

	if t.BytecodeVM != nil {
		// Retrieve saved VM -- could be resuming after suspend or running a forked child
		var ok bool
		bcVM, ok = t.BytecodeVM.(*vm.VM)
		if !ok {
			t.SetState(task.TaskKilled)
			return errors.New("invalid saved VM state")
		}
		// Attach task context (may have been updated since VM was created)
		bcVM.Context = ctx
		if bcVM.IsYielded() {
			// If this task was read()-suspended, deliver the input line
			if t.WakeValue != nil {
				bcVM.SetResumeValue(t.WakeValue)
				t.WakeValue = nil // Consume — don't leak into future suspends
			}
			// Resume after suspend
			result = bcVM.Resume()
		} else {
			// First run for forked child task (VM was pre-configured by CreateForkedTask)
			result = bcVM.ExecuteLoop()
		}
	} else {
		// First run - compile and execute
		code, ok := t.Code.([]parser.Stmt)
		if !ok || code == nil {
			t.SetState(task.TaskKilled)
			return errors.New("task has no code")
		}

		// Compile AST to bytecode
		compiler := vm.NewCompilerWithRegistry(s.registry)
		prog, compileErr := compiler.CompileStatements(code)
		if compileErr != nil {
			t.SetState(task.TaskKilled)
			return fmt.Errorf("compile error: %w", compileErr)
		}

		// Update TaskContext for permissions and builtins
		if t.VerbName != "" {
			ctx.Player = t.Owner
			ctx.Programmer = t.Programmer
			ctx.IsWizard = s.isWizard(t.Programmer)
			ctx.ThisObj = t.This
			ctx.Verb = t.VerbName

			// Push initial activation frame for traceback support
			t.PushFrame(task.ActivationFrame{
				This:       t.This,
				Player:     t.Owner,
				Programmer: t.Programmer,
				Caller:     t.Caller,
				Verb:       t.VerbName,
				VerbLoc:    t.VerbLoc,
				LineNumber: 1,
			})
		}

		if t.VerbName != "" {
			// Verb task: full frame with verb and command variables bound.
			var frame *vm.StackFrame
			bcVM, frame = s.newVerbVM(ctx, prog, t.This, nil, t.Owner, t.Caller,
				t.VerbName, t.VerbLoc, strArgs(t.Args), t.TicksLimit)
			bindCommandVars(frame, prog, t)
			result = bcVM.ExecuteLoop()
		} else {
			// Simple eval task (no verb context)
			bcVM = vm.NewVM(s.store, s.registry)
			bcVM.Context = ctx
			bcVM.TickLimit = t.TicksLimit
			result = bcVM.Run(prog)
		}
	}

	t.Result = result

	// Handle fork yields: create child tasks and resume parent
	result = s.drainForks(t, bcVM, result)
	t.Result = result

	// Check context deadline
	select {
	case <-taskCtx.Done():
		t.SetState(task.TaskKilled)
		t.BytecodeVM = nil
		return taskCtx.Err()
	default:
	}

	// Handle suspend
	if result.Flow == types.FlowSuspend {
		// Save VM state for later Resume()
		t.BytecodeVM = bcVM
		// The task manager has already been notified via builtinSuspend
		// Just return without setting state to Completed
		s.persistSuspendedTask(t)
		return nil
	}

	// Handle completion
	if result.Flow == types.FlowException {
		t.SetState(task.TaskKilled)
		// Log traceback to server log
		s.logTraceback(t, result.Error)
		// Send traceback to player
		s.sendTraceback(t, result.Error)
		// Clean up call stack after traceback has been sent
		for len(t.CallStack) > 0 {
			t.PopFrame()
		}
	} else {
		t.SetState(task.TaskCompleted)
	}
	s.deletePersistedTask(t.ID)

	// Match Toast lifecycle semantics: orphan anonymous objects are collected
	// when a task completes (locals and stack references are gone).
	vm.AutoRecycleOrphanAnonymousSince(s.store, s.registry, ctx, anonGCFloor)

	t.BytecodeVM = nil // Release VM after completion
	return nil
}

// persistSuspendedTask durably records t's resumption identity when it is
// resumable, i.e. it is a verb invocation (VerbLoc/VerbName are set) and
// was not exec()-suspended (exec()-suspended tasks can only be killed,
// never resumed, and so are not worth persisting). Failures are logged,
// not fatal: a lost snapshot is a restart-time data-loss window, not a
// reason to fail the running task.
func (s *Scheduler) persistSuspendedTask(t *task.Task) {
	if s.persistStore == nil || t.VerbName == "" || t.IsExecSuspended {
		return
	}
	if err := s.persistStore.Save(persist.Freeze(t)); err != nil {
		log.Printf("persist: saving suspended task %d: %v", t.ID, err)
	}
}

// deletePersistedTask erases a task's durable snapshot once it no longer
// needs to survive a restart (resumed, killed, or completed).
func (s *Scheduler) deletePersistedTask(taskID int64) {
	if s.persistStore == nil {
		return
	}
	if err := s.persistStore.Delete(taskID); err != nil {
		log.Printf("persist: deleting suspended task %d: %v", taskID, err)
	}
}

// LoadPersistedTasks reloads every task snapshot left over from a prior
// shutdown and re-inserts it into the suspended-task map. A live bytecode
// VM frame cannot be serialized (no stable wire format for Go
// closures/stacks), so a reloaded task re-enters
// its verb from the top with a fresh frame rather than resuming mid
// statement; its wake condition, accumulated tick/second usage, and command
// context are restored from the snapshot so everything except "exactly
// which statement it had reached" carries over.
func (s *Scheduler) LoadPersistedTasks() error {
	if s.persistStore == nil {
		return nil
	}
	snaps, err := s.persistStore.LoadAll()
	if err != nil {
		return fmt.Errorf("persist: loading suspended tasks: %w", err)
	}

	for _, snap := range snaps {
		t := persist.Thaw(snap)

		verb, verbLoc, findErr := s.store.FindVerb(types.ObjID(snap.VerbLoc), snap.VerbName)
		if findErr != nil || verb == nil {
			log.Printf("persist: dropping task %d, verb #%d:%s no longer resolvable: %v",
				snap.TaskID, snap.VerbLoc, snap.VerbName, findErr)
			s.deletePersistedTask(snap.TaskID)
			continue
		}
		if msg := compileVerbLazily(verb); msg != "" {
			log.Printf("persist: dropping task %d, verb #%d:%s no longer compiles: %s",
				snap.TaskID, snap.VerbLoc, snap.VerbName, msg)
			s.deletePersistedTask(snap.TaskID)
			continue
		}
		if verb.Program == nil {
			s.deletePersistedTask(snap.TaskID)
			continue
		}

		t.Code = verb.Program.Statements
		t.VerbLoc = verbLoc
		t.ForkCreator = s
		t.Context = types.NewTaskContext()
		t.Context.Player = t.Owner
		t.Context.Programmer = t.Programmer
		t.Context.IsWizard = s.isWizard(t.Programmer)
		t.Context.TaskID = t.ID
		t.Context.Task = t

		s.mu.Lock()
		if t.ID >= s.nextTaskID {
			s.nextTaskID = t.ID + 1
		}
		s.tasks[t.ID] = t
		if snap.WakeAtUnix == 0 {
			// No timed wake recorded: the task was waiting on resume()/
			// input and is runnable again immediately, matching how a
			// freshly queued task is scheduled.
			t.StartTime = time.Now()
			t.SetState(task.TaskQueued)
			heap.Push(s.waiting, t)
		}
		// else: leave it TaskSuspended with WakeTime set by Thaw;
		// processReadyTasks' WakeDue(now) poll picks it up normally.
		s.mu.Unlock()

		task.GetManager().RegisterTask(t)
		log.Printf("persist: reloaded suspended task %d (#%d:%s)", t.ID, t.VerbLoc, t.VerbName)
	}
	return nil
}

// QueueTask adds a task to the scheduler
func (s *Scheduler) QueueTask(t *task.Task) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.SetState(task.TaskQueued)
	s.tasks[t.ID] = t
	heap.Push(s.waiting, t)

	// Also register with global task manager so builtins can find it
	task.GetManager().RegisterTask(t)

	return t.ID
}

// newSessionFor builds a buffered session bound to player's connection,
// or nil if player has no live connection (e.g. #0 hooks, eval with no caller).
func (s *Scheduler) newSessionFor(player types.ObjID) *session.Session {
	if s.connManager == nil {
		return nil
	}
	conn := s.connManager.GetConnection(player)
	if conn == nil {
		return nil
	}
	rc, ok := conn.(*Connection)
	if !ok {
		return nil
	}
	return session.New(rc)
}

// taskCommitConflicted runs the task's commit hook and, when it reports a
// commit conflict, rolls the session buffer back and resets the task for a
// fresh from-scratch run. Returns true when the task must re-run. Past
// maxCommitRetries the task fails instead.
func (s *Scheduler) taskCommitConflicted(t *task.Task) bool {
	if s.commitHook == nil || t.GetState() != task.TaskCompleted {
		return false
	}
	err := s.commitHook(t)
	if err == nil {
		return false
	}
	if !errors.Is(err, txcache.ErrConflict) {
		log.Printf("Task %d commit hook: %v", t.ID, err)
		return false
	}

	rollbackSession(t)
	t.Retries++
	if t.Retries > maxCommitRetries {
		log.Printf("Task %d conflicted %d times, failing", t.ID, t.Retries)
		t.SetState(task.TaskKilled)
		return false
	}

	t.BytecodeVM = nil
	t.StmtIndex = 0
	t.SetState(task.TaskQueued)
	t.StartTime = time.Now()
	return true
}

// requeueOnConflict is taskCommitConflicted for the async dispatch loop:
// the re-run happens on a later pass via the waiting heap.
func (s *Scheduler) requeueOnConflict(t *task.Task) bool {
	if !s.taskCommitConflicted(t) {
		return false
	}
	s.mu.Lock()
	heap.Push(s.waiting, t)
	s.mu.Unlock()
	return true
}

// rollbackSession discards a task's buffered output unconditionally.
func rollbackSession(t *task.Task) {
	if t.Context == nil || t.Context.Session == nil {
		return
	}
	if sess, ok := t.Context.Session.(*session.Session); ok {
		sess.Rollback()
	}
}

// commitOrRollbackSession flushes or discards a task's buffered session
// output depending on how the task ended: an uncaught exception rolls back
// (spec: "rollback() discards the buffer"), anything else commits.
func commitOrRollbackSession(t *task.Task) {
	if t.Context == nil || t.Context.Session == nil {
		return
	}
	sess, ok := t.Context.Session.(*session.Session)
	if !ok {
		return
	}
	if t.GetState() == task.TaskKilled {
		sess.Rollback()
		return
	}
	if err := sess.Commit(); err != nil {
		log.Printf("session commit for task %d: %v", t.ID, err)
	}
}

// CreateForegroundTask creates a foreground task (user command)
func (s *Scheduler) CreateForegroundTask(player types.ObjID, code []parser.Stmt) int64 {
	taskID := atomic.AddInt64(&s.nextTaskID, 1)
	t := task.NewTaskFull(taskID, player, code, 300000, 5.0)
	t.StartTime = time.Now()
	t.ForkCreator = s // Give task access to scheduler for forks
	// Set wizard flag based on player
	t.Context.IsWizard = s.isWizard(player)
	t.Context.Session = s.newSessionFor(player)
	t.Context.Dispatcher = s.dispatcher
	return s.QueueTask(t)
}

// CreateVerbTask creates a task to execute a verb
func (s *Scheduler) CreateVerbTask(player types.ObjID, match *VerbMatch, cmd *ParsedCommand, outputSuffix string) <-chan struct{} {
	taskID := atomic.AddInt64(&s.nextTaskID, 1)
	t := task.NewTaskFull(taskID, player, match.Verb.Program.Statements, 300000, 5.0)
	t.StartTime = time.Now()
	// Task runs with verb owner permissions (MOO programmer semantics).
	t.Programmer = match.Verb.Owner
	t.Context.Programmer = match.Verb.Owner
	t.Context.IsWizard = s.isWizard(match.Verb.Owner)
	t.Context.Session = s.newSessionFor(player)
	t.Context.Dispatcher = s.dispatcher

	// Set up verb context
	t.VerbName = cmd.Verb
	t.VerbLoc = match.VerbLoc
	t.This = match.This
	t.Caller = player
	t.Argstr = cmd.Argstr
	t.Args = cmd.Args
	t.Dobjstr = cmd.Dobjstr
	t.Dobj = cmd.Dobj
	t.Prepstr = cmd.Prepstr
	t.Iobjstr = cmd.Iobjstr
	t.Iobj = cmd.Iobj
	t.CommandOutputSuffix = outputSuffix
	t.ForkCreator = s // Give task access to scheduler for forks

	// Create done channel so callers can wait for task completion
	t.Done = make(chan struct{})

	s.QueueTask(t)
	return t.Done
}

// CreateBackgroundTask creates a background task (fork)
func (s *Scheduler) CreateBackgroundTask(player types.ObjID, code []parser.Stmt, delay time.Duration) int64 {
	taskID := atomic.AddInt64(&s.nextTaskID, 1)
	t := task.NewTaskFull(taskID, player, code, 300000, 3.0)
	t.StartTime = time.Now().Add(delay)
	t.ForkCreator = s // Give task access to scheduler for forks
	// Set wizard flag based on player
	t.Context.IsWizard = s.isWizard(player)
	t.Context.Session = s.newSessionFor(player)
	t.Context.Dispatcher = s.dispatcher
	return s.QueueTask(t)
}

// Fork creates a forked task with a delay
func (s *Scheduler) Fork(ctx *types.TaskContext, code []parser.Stmt, delay time.Duration) int64 {
	return s.CreateBackgroundTask(ctx.Player, code, delay)
}

// CreateForkedTask creates a forked child task from fork statement
// Implements task.ForkCreator interface
// Handles both bytecode VM forks (Body is [3]interface{}{*Program, IP, Len})
// and tree-walker forks (Body is []parser.Stmt).
func (s *Scheduler) CreateForkedTask(parent *task.Task, forkInfo *types.ForkInfo) int64 {
	taskID := atomic.AddInt64(&s.nextTaskID, 1)

	// Determine the fork body type
	var t *task.Task

	if bcFork, ok := forkInfo.Body.([3]interface{}); ok {
		// Bytecode VM fork: Body is [3]interface{}{*Program, bodyIP, bodyLen}
		parentProg, ok1 := bcFork[0].(*vm.Program)
		bodyIP, ok2 := bcFork[1].(int)
		bodyLen, ok3 := bcFork[2].(int)
		if !ok1 || !ok2 || !ok3 {
			return 0 // Invalid fork info
		}

		// Extract the fork body as a sub-program
		forkProg := parentProg.ExtractForkBody(bodyIP, bodyLen)

		// Create child task -- Code stays nil since we'll use BytecodeVM path
		t = task.NewTaskFull(taskID, forkInfo.Player, nil, 300000, 3.0)

		// Create a pre-configured VM for the child
		childVM := vm.NewVM(s.store, s.registry)
		childVM.TickLimit = 300000

		// Set up the child frame with inherited variables
		frame := childVM.PrepareVerbFrame(forkProg,
			forkInfo.ThisObj, forkInfo.Player, forkInfo.Caller,
			forkInfo.Verb, forkInfo.VerbLoc, nil)
		// Mark as verb-call so syncTaskLineNumbers includes this frame
		// when syncing line numbers to the task's CallStack.
		frame.IsVerbCall = true

		// Copy inherited variable values from the parent
		for varName, varVal := range forkInfo.Variables {
			vm.SetLocalByNamePublic(frame, forkProg, varName, varVal)
		}

		// The child VM is stored on the task and will be executed via ExecuteLoop
		// when runTask picks it up. We need a special code path for this.
		// Store the VM as BytecodeVM so runTask's resume path handles it.
		t.BytecodeVM = childVM

	} else if body, ok := forkInfo.Body.([]parser.Stmt); ok {
		// Tree-walker fork: Body is []parser.Stmt
		t = task.NewTaskFull(taskID, forkInfo.Player, body, 300000, 3.0)

		// Create evaluator with copied variable environment
		childEnv := vm.NewEnvironment()
		for k, v := range forkInfo.Variables {
			childEnv.Set(k, v)
		}
		t.Evaluator = vm.NewEvaluatorWithEnvAndStore(childEnv, s.store)
	} else {
		return 0 // Unknown fork body type
	}

	t.StartTime = time.Now().Add(forkInfo.Delay)
	t.Kind = task.TaskForked
	t.IsForked = true
	t.ForkInfo = forkInfo
	t.Programmer = parent.Programmer // Inherit permissions
	t.This = forkInfo.ThisObj
	t.Caller = forkInfo.Caller
	t.VerbName = forkInfo.Verb
	t.VerbLoc = forkInfo.VerbLoc
	t.ForkCreator = s                   // Give child access to scheduler for nested forks
	t.TaskLocal = parent.GetTaskLocal() // Copy parent's task_local to child

	// Set up child's context
	t.Context.ThisObj = forkInfo.ThisObj
	t.Context.Player = forkInfo.Player
	t.Context.Programmer = parent.Programmer
	t.Context.Verb = forkInfo.Verb
	t.Context.IsWizard = s.isWizard(parent.Programmer)
	t.Context.Task = t // Attach task to context for task_local access
	if parent.Context != nil {
		if parentSess, ok := parent.Context.Session.(*session.Session); ok {
			t.Context.Session = parentSess.Fork()
		}
	}

	// Push initial activation frame for the fork body.
	// This matches Toast: forked tasks include a frame for the verb
	// context in which the fork statement appeared.
	t.PushFrame(task.ActivationFrame{
		This:       forkInfo.ThisObj,
		Player:     forkInfo.Player,
		Programmer: parent.Programmer,
		Caller:     forkInfo.Caller,
		Verb:       forkInfo.Verb,
		VerbLoc:    forkInfo.VerbLoc,
		LineNumber: 1,
	})

	return s.QueueTask(t)
}

// drainForks handles FlowFork yields from the VM by creating child tasks
// and resuming the parent until no more forks are pending.
func (s *Scheduler) drainForks(t *task.Task, bcVM *vm.VM, result types.Result) types.Result {
	for result.Flow == types.FlowFork {
		var childID int64
		if result.ForkInfo != nil {
			childID = s.CreateForkedTask(t, result.ForkInfo)
		}
		bcVM.SetForkResult(childID)
		result = bcVM.Resume()
	}
	return result
}

// CallVerb synchronously executes a verb on an object and returns the result
// This is used for server hooks like do_login_command, user_connected, etc.
// Returns a Result with a call stack for traceback formatting
func (s *Scheduler) CallVerb(objID types.ObjID, verbName string, args []types.Value, player types.ObjID) (result types.Result) {
	// Recover from panics in compile/execute to avoid crashing the server
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC in CallVerb(%v:%s): %v", objID, verbName, r)
			result = types.Err(types.E_NONE)
		}
	}()

	// Trace verb call
	trace.VerbCall(objID, verbName, args, player, player)

	// Create a lightweight task FIRST for call stack tracking
	// This ensures we have a stack even if verb lookup fails
	t := &task.Task{
		Owner:       player,
		Programmer:  player, // Will be updated to verb owner if verb found
		CallStack:   make([]task.ActivationFrame, 0),
		TaskLocal:   types.NewEmptyMap(), // Initialize task_local to empty map
		ForkCreator: s,                   // Enable fork support in server hooks
	}

	// Look up the verb to get its owner for programmer permissions
	verb, defObjID, err := s.store.FindVerb(objID, verbName)
	if err != nil || verb == nil {
		// Verb not found
		result := types.Result{
			Flow:  types.FlowException,
			Error: types.E_VERBNF,
		}
		// Don't log E_VERBNF for optional hooks
		return result
	}

	// Compile verb to bytecode
	prog, compileErr := vm.CompileVerbBytecode(verb, s.registry)
	if compileErr != nil {
		log.Printf("[COMPILE ERROR] Failed to compile verb %s on #%d: %v", verbName, defObjID, compileErr)
		return types.Result{
			Flow:  types.FlowException,
			Error: types.E_VERBNF,
		}
	}

	// Update programmer to verb owner now that we found the verb
	t.Programmer = verb.Owner

	thisVal := types.Value(types.NewObj(objID))
	var frameThisValue types.Value
	if target := s.store.Get(objID); target != nil && target.Anonymous {
		anon := types.NewAnon(objID)
		thisVal = anon
		frameThisValue = anon
	}

	ctx := types.NewTaskContext()
	ctx.Player = player
	ctx.Programmer = verb.Owner           // Programmer is verb owner, not player
	ctx.IsWizard = s.isWizard(verb.Owner) // Set wizard flag based on verb owner
	ctx.ThisObj = objID
	ctx.ThisValue = frameThisValue
	ctx.Verb = verbName
	ctx.ServerInitiated = true // Mark as server-initiated
	ctx.Task = t               // Attach task so VM can track frames

	// Push activation frame for traceback support
	t.PushFrame(task.ActivationFrame{
		This:            objID,
		ThisValue:       frameThisValue,
		Player:          player,
		Programmer:      verb.Owner,
		Caller:          player, // For server hooks, caller is the player
		Verb:            verbName,
		VerbLoc:         defObjID,
		Args:            args,
		LineNumber:      1,
		ServerInitiated: true,
	})

	// Build the VM with `this` passed through explicitly so an anonymous
	// `this` survives the frame binding.
	bcVM, _ := s.newVerbVM(ctx, prog, objID, thisVal, player, player, verbName, defObjID, args, 300000)
	result = bcVM.ExecuteLoop()

	// Handle fork yields: create child tasks and resume parent
	result = s.drainForks(t, bcVM, result)

	// Extract call stack BEFORE popping frames
	if result.Flow == types.FlowException {
		stack := t.GetCallStack()
		if result.CallStack != nil {
			if captured, ok := result.CallStack.([]task.ActivationFrame); ok {
				stack = captured
			}
		}
		result.CallStack = stack
		// Log traceback to server log
		s.logCallVerbTraceback(objID, verbName, result.Error, stack, player)
		// Trace exception
		trace.Exception(objID, verbName, result.Error)
	} else {
		// Trace return value
		trace.VerbReturn(objID, verbName, result.Val)
	}

	// Clean up call stack
	if len(t.CallStack) > 0 {
		t.PopFrame()
	}

	return result
}

// evalConnection is the interface needed for eval command output
type evalConnection interface {
	Send(string) error
	GetOutputPrefix() string
	GetOutputSuffix() string
}

// EvalCommand evaluates MOO code directly (for ; commands)
// Executes synchronously and sends the result back to the connection
func (s *Scheduler) EvalCommand(player types.ObjID, code string, conn interface{}) {
	// Type assert to get full eval connection interface
	c, ok := conn.(evalConnection)
	if !ok {
		return // Can't send output without proper connection
	}

	// Recover from panics in compile/execute to avoid crashing the server
	defer func() {
		if r := recover(); r != nil {
			prefix := c.GetOutputPrefix()
			suffix := c.GetOutputSuffix()
			if prefix != "" {
				c.Send(prefix)
			}
			c.Send(fmt.Sprintf("{0, {\"Internal error: %v\"}}", r))
			if suffix != "" {
				c.Send(suffix)
			}
			log.Printf("PANIC in EvalCommand: %v", r)
		}
	}()

	// Parse the code
	p := parser.NewParser(code)
	stmts, err := p.ParseProgram()

	// Get prefix/suffix for response framing
	prefix := c.GetOutputPrefix()
	suffix := c.GetOutputSuffix()

	if err != nil {
		// Send parse error in ToastStunt eval format: {0, {"error message"}}
		if prefix != "" {
			c.Send(prefix)
		}
		errMsg := fmt.Sprintf("{0, {\"Parse error: %s\"}}", err)
		c.Send(errMsg)
		if suffix != "" {
			c.Send(suffix)
		}
		return
	}

	// Execute the code synchronously
	ctx := types.NewTaskContext()
	ctx.Player = player
	ctx.Programmer = player
	ctx.IsWizard = s.isWizard(player)

	// Create and register a real task so task_id()/resume()/task_local()
	// semantics match normal task execution.
	mgr := task.GetManager()
	t := mgr.CreateTask(player, 300000, 5.0)
	defer mgr.RemoveTask(t.ID)
	t.Programmer = player
	t.ForkCreator = s // Enable fork support in eval commands
	ctx.Task = t
	ctx.TaskID = t.ID

	// Compile AST to bytecode
	compiler := vm.NewCompilerWithRegistry(s.registry)
	prog, compileErr := compiler.CompileStatements(stmts)
	if compileErr != nil {
		// Compilation failed - send error
		if prefix != "" {
			c.Send(prefix)
		}
		errMsg := fmt.Sprintf("{0, {\"Compile error: %s\"}}", compileErr)
		c.Send(errMsg)
		if suffix != "" {
			c.Send(suffix)
		}
		return
	}

	// Top-level eval still has intrinsic command variables in Toast:
	// player/caller/this/verb/args and command parser placeholders, all
	// bound to the empty-command shape.
	bcVM, frame := s.newVerbVM(ctx, prog, types.ObjNothing, nil, player, player, "", types.ObjNothing, []types.Value{}, 300000)
	bindCommandVars(frame, prog, nil)

	anonGCFloor := s.store.NextID()
	result := bcVM.ExecuteLoop()

	// Handle yielded control flow (fork/suspend) until the eval completes.
	for result.Flow == types.FlowFork || result.Flow == types.FlowSuspend {
		result = s.drainForks(t, bcVM, result)

		if result.Flow != types.FlowSuspend {
			continue
		}

		// suspend(seconds): sleep for seconds then resume.
		// suspend(0): scheduler-yield then resume quickly.
		// suspend() (encoded as -1): wait for explicit resume(task_id, ...).
		seconds := 0.0
		switch v := result.Val.(type) {
		case types.FloatValue:
			seconds = v.Val
		case types.IntValue:
			seconds = float64(v.Val)
		}

		switch {
		case seconds < 0:
			deadline := time.Now().Add(10 * time.Second)
			for t.GetState() != task.TaskQueued && time.Now().Before(deadline) {
				// Process ready tasks while waiting for explicit resume().
				// Since we're on the scheduler goroutine, processReadyTasks
				// won't fire from the ticker, so we must drive it here.
				s.processReadyTasks()
				time.Sleep(10 * time.Millisecond)
			}
			if t.GetState() != task.TaskQueued {
				result = types.Result{Flow: types.FlowException, Error: types.E_INVARG}
				break
			}
		case seconds == 0:
			// Process ready tasks before resuming — forked children may
			// need to run during the scheduler-yield window.
			s.processReadyTasks()
			time.Sleep(10 * time.Millisecond)
			s.processReadyTasks()
		default:
			sleepEnd := time.Now().Add(time.Duration(seconds * float64(time.Second)))
			for time.Now().Before(sleepEnd) {
				s.processReadyTasks()
				remaining := time.Until(sleepEnd)
				if remaining <= 0 {
					break
				}
				if remaining > 10*time.Millisecond {
					remaining = 10 * time.Millisecond
				}
				time.Sleep(remaining)
			}
		}

		// Inject wake value before resuming (read() sets WakeValue to
		// the input string; default suspend uses 0).
		if t.WakeValue != nil {
			bcVM.SetResumeValue(t.WakeValue)
			t.WakeValue = nil // Consume — don't leak into future suspends
		}
		result = bcVM.Resume()
	}

	// Match Toast lifecycle semantics for eval: orphan anonymous objects are
	// collected once evaluation completes and locals are out of scope.
	vm.AutoRecycleOrphanAnonymousSince(s.store, s.registry, ctx, anonGCFloor)

	// Send result wrapped with prefix/suffix in ToastStunt eval format:
	// Success: {1, value}
	// Runtime error: {2, {E_TYPE, "message", value}}
	if prefix != "" {
		c.Send(prefix)
	}
	var resultStr string
	if result.Flow == types.FlowException {
		// Runtime error: {2, {E_TYPE, "message", value}}
		errCode := types.NewErr(result.Error).String()
		errMsg := result.Error.Message()
		resultStr = fmt.Sprintf("{2, {%s, \"%s\", 0}}", errCode, errMsg)
	} else if result.Val != nil {
		// Success: {1, value}
		resultStr = fmt.Sprintf("{1, %s}", result.Val.String())
	} else {
		// Success with no return value: {1, 0}
		resultStr = "{1, 0}"
	}
	c.Send(resultStr)
	if suffix != "" {
		c.Send(suffix)
	}
}

// ResumeTask resumes a suspended task
func (s *Scheduler) ResumeTask(taskID int64, value types.Value) error {
	s.mu.Lock()
	t, exists := s.tasks[taskID]
	s.mu.Unlock()

	if !exists {
		return ErrNotSuspended
	}

	if !t.Resume(value) {
		return ErrNotSuspended
	}
	s.deletePersistedTask(taskID)
	return nil
}

// KillTask kills a running task
func (s *Scheduler) KillTask(taskID int64, killerID types.ObjID) error {
	s.mu.Lock()
	t, exists := s.tasks[taskID]
	s.mu.Unlock()

	if !exists {
		return ErrNotSuspended
	}

	// Permission check
	if t.Owner != killerID && !s.isWizard(killerID) {
		return ErrPermission
	}

	t.Kill()
	s.deletePersistedTask(taskID)
	return nil
}

// GetTask retrieves a task by ID
func (s *Scheduler) GetTask(taskID int64) *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID]
}

// QueuedTasks returns list of queued tasks
func (s *Scheduler) QueuedTasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if t.GetState() == task.TaskQueued {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// SuspendedTasks returns list of suspended tasks
func (s *Scheduler) SuspendedTasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if t.GetState() == task.TaskSuspended {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// isWizard checks if an object has wizard permissions
func (s *Scheduler) isWizard(objID types.ObjID) bool {
	obj := s.store.Get(objID)
	if obj == nil {
		return false
	}
	return obj.Flags.Has(db.FlagWizard)
}

// logTraceback logs a formatted traceback to the server log for a task
func (s *Scheduler) logTraceback(t *task.Task, err types.ErrorCode) {
	stack := t.GetCallStack()
	lines := task.FormatTraceback(stack, err, t.Owner)
	log.Printf("TRACEBACK: Task %d (#%d:%s) uncaught exception %s",
		t.ID, t.This, t.VerbName, types.NewErr(err).String())
	for _, line := range lines {
		log.Printf("TRACEBACK:   %s", line)
	}
	s.logTracebackSource(stack)
}

// logCallVerbTraceback logs a formatted traceback to the server log for a synchronous verb call
// E_VERBNF is not logged because it's the normal case for optional hook verbs
func (s *Scheduler) logCallVerbTraceback(objID types.ObjID, verbName string, err types.ErrorCode, stack []task.ActivationFrame, player types.ObjID) {
	if err == types.E_VERBNF {
		return // Verb not found is expected for optional hooks
	}
	lines := task.FormatTraceback(stack, err, player)
	log.Printf("TRACEBACK: #%d:%s uncaught exception %s (player #%d)",
		objID, verbName, types.NewErr(err).String(), player)
	for _, line := range lines {
		log.Printf("TRACEBACK:   %s", line)
	}
	s.logTracebackSource(stack)
}

func (s *Scheduler) logTracebackSource(stack []task.ActivationFrame) {
	for i := len(stack) - 1; i >= 0; i-- {
		frame := stack[i]
		if frame.SourceLine == "" {
			continue
		}
		log.Printf("TRACEBACK:     #%d:%s line %d => %s",
			frame.VerbLoc, frame.Verb, frame.LineNumber, frame.SourceLine)
	}
}

// sendTraceback sends a formatted traceback to the player
func (s *Scheduler) sendTraceback(t *task.Task, err types.ErrorCode) {
	if s.connManager == nil {
		return
	}

	conn := s.connManager.GetConnection(t.Owner)
	if conn == nil {
		return
	}

	// Format and send the traceback
	lines := task.FormatTraceback(t.GetCallStack(), err, t.Owner)
	for _, line := range lines {
		conn.Send(line)
	}
}

// TaskQueue is a priority queue for tasks ordered by start time
type TaskQueue []*task.Task

func NewTaskQueue() *TaskQueue {
	tq := make(TaskQueue, 0)
	heap.Init(&tq)
	return &tq
}

func (tq TaskQueue) Len() int { return len(tq) }

func (tq TaskQueue) Less(i, j int) bool {
	return tq[i].StartTime.Before(tq[j].StartTime)
}

func (tq TaskQueue) Swap(i, j int) {
	tq[i], tq[j] = tq[j], tq[i]
}

func (tq *TaskQueue) Push(x interface{}) {
	*tq = append(*tq, x.(*task.Task))
}

func (tq *TaskQueue) Pop() interface{} {
	old := *tq
	n := len(old)
	item := old[n-1]
	*tq = old[0 : n-1]
	return item
}

func (tq TaskQueue) Peek() *task.Task {
	if len(tq) == 0 {
		return nil
	}
	return tq[0]
}

// Error definitions
var (
	ErrTicksExceeded = errors.New("tick limit exceeded")
	ErrNotSuspended  = errors.New("task not suspended")
	ErrResumeFailed  = errors.New("failed to resume task")
	ErrPermission    = errors.New("permission denied")
)
