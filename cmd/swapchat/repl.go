// ABOUTME: Line-oriented interactive prompt for the terminal client
// ABOUTME: Slash commands map onto session operations; new messages are printed as they arrive

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/swapchat/internal/blocks"
	"github.com/2389/swapchat/internal/conversation"
	"github.com/2389/swapchat/internal/session"
)

var errQuit = errors.New("quit")

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, args []string) error
}

type repl struct {
	sess   *session.Session
	convo  *conversation.Store
	blocks *blocks.Registry
	in     io.Reader

	outMu sync.Mutex
	out   io.Writer

	// listed holds thread ids in the order of the last /threads output so
	// threads can be referred to by number.
	listMu sync.Mutex
	listed []string

	commands map[string]command
}

func newREPL(sess *session.Session, convo *conversation.Store, registry *blocks.Registry, in io.Reader, out io.Writer) *repl {
	r := &repl{sess: sess, convo: convo, blocks: registry, in: in, out: out}
	r.commands = map[string]command{
		"/login":   {"/login TOKEN", "sign in (switches user if already signed in)", r.cmdLogin},
		"/logout":  {"/logout", "sign out and disconnect", r.cmdLogout},
		"/whoami":  {"/whoami", "show the signed-in user", r.cmdWhoami},
		"/status":  {"/status", "show connection state", r.cmdStatus},
		"/open":    {"/open USER [TOPIC]", "open or create a thread", r.cmdOpen},
		"/msg":     {"/msg USER TEXT", "message USER in the thread without a topic", r.cmdMsg},
		"/send":    {"/send THREAD TEXT", "send TEXT to a thread", r.cmdSend},
		"/attach":  {"/attach THREAD URI [NAME]", "send a file reference", r.cmdAttach},
		"/threads": {"/threads", "list threads, newest first", r.cmdThreads},
		"/history": {"/history THREAD", "show a thread's messages", r.cmdHistory},
		"/delete":  {"/delete THREAD", "delete a thread locally", r.cmdDelete},
		"/block":   {"/block USER", "stop USER from messaging you", r.cmdBlock},
		"/unblock": {"/unblock USER", "lift a block", r.cmdUnblock},
		"/blocked": {"/blocked", "list users you have blocked", r.cmdBlocked},
		"/help":    {"/help", "show this help", r.cmdHelp},
		"/quit":    {"/quit", "exit", func(context.Context, []string) error { return errQuit }},
	}
	return r
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run reads commands until EOF, /quit or ctx is done.
func (r *repl) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r.printf("Type /help for commands.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := r.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				r.printf("%s %v\n", color.RedString("error:"), err)
			}
		}
	}
}

func (r *repl) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, ok := r.commands[fields[0]]
	if !ok {
		return fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return cmd.run(ctx, fields[1:])
}

// watch prints messages from other users as they arrive.
func (r *repl) watch(ctx context.Context) {
	for change := range r.convo.Subscribe(ctx) {
		if change.Kind != conversation.ChangeAppended {
			continue
		}
		msg, ok := r.findMessage(change.ThreadID, change.MessageID)
		if !ok || msg.Sender == r.sess.UserID() {
			continue
		}
		r.printf("%s %s: %s\n", color.HiBlackString("["+shortID(change.ThreadID)+"]"), color.CyanString(msg.Sender), describe(msg))
	}
}

func (r *repl) findMessage(threadID, messageID string) (conversation.Message, bool) {
	msgs, err := r.convo.Messages(threadID)
	if err != nil {
		return conversation.Message{}, false
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == messageID {
			return msgs[i], true
		}
	}
	return conversation.Message{}, false
}

// resolveThread accepts a number from the last /threads listing, a full
// thread id, or a unique id prefix.
func (r *repl) resolveThread(ref string) (string, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		r.listMu.Lock()
		defer r.listMu.Unlock()
		if n < 1 || n > len(r.listed) {
			return "", fmt.Errorf("no thread #%d (run /threads)", n)
		}
		return r.listed[n-1], nil
	}
	if _, ok := r.convo.Thread(ref); ok {
		return ref, nil
	}

	var match string
	for _, t := range r.convo.Threads() {
		if strings.HasPrefix(t.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("thread prefix %q is ambiguous", ref)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", conversation.ErrThreadNotFound
	}
	return match, nil
}

func (r *repl) cmdLogin(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /login TOKEN")
	}
	if err := r.sess.SetToken(ctx, args[0]); err != nil {
		return err
	}
	r.printf("signed in as %s\n", color.GreenString(r.sess.UserID()))
	return nil
}

func (r *repl) cmdLogout(ctx context.Context, _ []string) error {
	if err := r.sess.SetToken(ctx, ""); err != nil {
		return err
	}
	r.printf("signed out\n")
	return nil
}

func (r *repl) cmdWhoami(context.Context, []string) error {
	user := r.sess.UserID()
	if user == "" {
		return session.ErrNotSignedIn
	}
	r.printf("%s\n", user)
	return nil
}

func (r *repl) cmdStatus(context.Context, []string) error {
	st := r.sess.Status()
	r.printf("state=%s retry_delay=%s retry_attempts=%d\n", st.State, st.RetryDelay, st.RetryAttempts)
	return nil
}

func (r *repl) cmdOpen(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: /open USER [TOPIC]")
	}
	topic := ""
	if len(args) == 2 {
		topic = args[1]
	}
	id, err := r.sess.StartConversation(ctx, args[0], topic, "", nil)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("cannot start a conversation with %s", args[0])
	}
	r.printf("thread %s\n", id)
	return nil
}

func (r *repl) cmdMsg(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: /msg USER TEXT")
	}
	id, err := r.sess.StartConversation(ctx, args[0], "", strings.Join(args[1:], " "), nil)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("cannot start a conversation with %s", args[0])
	}
	return nil
}

func (r *repl) cmdSend(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: /send THREAD TEXT")
	}
	id, err := r.resolveThread(args[0])
	if err != nil {
		return err
	}
	_, err = r.sess.SendMessage(ctx, id, strings.Join(args[1:], " "), nil)
	return err
}

func (r *repl) cmdAttach(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: /attach THREAD URI [NAME]")
	}
	id, err := r.resolveThread(args[0])
	if err != nil {
		return err
	}
	uri := args[1]
	name := path.Base(uri)
	if len(args) == 3 {
		name = args[2]
	}
	att := conversation.Attachment{
		ID:          uuid.New().String(),
		SourceURI:   uri,
		DisplayName: name,
		MimeType:    mime.TypeByExtension(path.Ext(uri)),
	}
	_, err = r.sess.SendMessage(ctx, id, "", []conversation.Attachment{att})
	return err
}

func (r *repl) cmdThreads(context.Context, []string) error {
	user := r.sess.UserID()
	if user == "" {
		return session.ErrNotSignedIn
	}
	threads := r.convo.Threads()

	r.listMu.Lock()
	r.listed = r.listed[:0]
	for _, t := range threads {
		r.listed = append(r.listed, t.ID)
	}
	r.listMu.Unlock()

	if len(threads) == 0 {
		r.printf("no threads\n")
		return nil
	}
	for i, t := range threads {
		topic := ""
		if t.Topic != "" {
			topic = " #" + t.Topic
		}
		last := ""
		if n := len(t.Messages); n > 0 {
			last = " " + color.HiBlackString(describe(t.Messages[n-1]))
		}
		r.printf("%2d. %s%s [%s]%s\n", i+1, color.CyanString(t.Counterpart(user)), topic, shortID(t.ID), last)
	}
	return nil
}

func (r *repl) cmdHistory(_ context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /history THREAD")
	}
	id, err := r.resolveThread(args[0])
	if err != nil {
		return err
	}
	msgs, err := r.convo.Messages(id)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		pending := ""
		if r.convo.IsPending(id, m.ID) {
			pending = color.YellowString(" (sending)")
		}
		r.printf("%s %s: %s%s\n", color.HiBlackString(m.CreatedAt.Local().Format("Jan 2 15:04")), m.Sender, describe(m), pending)
	}
	return nil
}

func (r *repl) cmdDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /delete THREAD")
	}
	id, err := r.resolveThread(args[0])
	if err != nil {
		return err
	}
	if !r.sess.DeleteConversation(ctx, id) {
		return conversation.ErrThreadNotFound
	}
	r.printf("deleted %s\n", shortID(id))
	return nil
}

func (r *repl) cmdBlock(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /block USER")
	}
	changed, err := r.sess.Block(ctx, args[0])
	if err != nil {
		return err
	}
	if changed {
		r.printf("blocked %s\n", args[0])
	} else {
		r.printf("%s was already blocked\n", args[0])
	}
	return nil
}

func (r *repl) cmdUnblock(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /unblock USER")
	}
	changed, err := r.sess.Unblock(ctx, args[0])
	if err != nil {
		return err
	}
	if changed {
		r.printf("unblocked %s\n", args[0])
	} else {
		r.printf("%s was not blocked\n", args[0])
	}
	return nil
}

func (r *repl) cmdBlocked(context.Context, []string) error {
	user := r.sess.UserID()
	if user == "" {
		return session.ErrNotSignedIn
	}
	blocked := r.blocks.BlockedBy(user)
	if len(blocked) == 0 {
		r.printf("nobody blocked\n")
		return nil
	}
	for _, u := range blocked {
		r.printf("%s\n", u)
	}
	return nil
}

func (r *repl) cmdHelp(context.Context, []string) error {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := r.commands[name]
		r.printf("  %-28s %s\n", c.usage, c.help)
	}
	return nil
}

func describe(m conversation.Message) string {
	if m.Body != "" {
		return m.Body
	}
	names := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		names = append(names, a.DisplayName)
	}
	return "[attachment: " + strings.Join(names, ", ") + "]"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
