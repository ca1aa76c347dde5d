package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/contacts"
	"github.com/chatrelay/chatrelay/internal/conversations"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/inbound"
	"github.com/chatrelay/chatrelay/internal/messages"
	"github.com/chatrelay/chatrelay/internal/queue"
)

type fakeChannels struct {
	channel chatbots.ChatbotChannel
}

func (f *fakeChannels) GetChannel(ctx context.Context, id string) (chatbots.ChatbotChannel, error) {
	if id != f.channel.ID {
		return chatbots.ChatbotChannel{}, chatbots.ErrChannelNotFound
	}
	return f.channel, nil
}

type fakeContacts struct {
	contacts map[string]contacts.Contact
	links    map[string]contacts.ContactChannel
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{
		contacts: map[string]contacts.Contact{},
		links:    map[string]contacts.ContactChannel{},
	}
}

func (f *fakeContacts) FindOrCreate(ctx context.Context, req contacts.FindOrCreateRequest) (contacts.Contact, error) {
	key := req.OrganizationID + "/" + req.Phone
	if c, ok := f.contacts[key]; ok {
		return c, nil
	}
	c := contacts.Contact{ID: "contact-" + req.Phone, OrganizationID: req.OrganizationID, Phone: req.Phone}
	f.contacts[key] = c
	return c, nil
}

func (f *fakeContacts) EnsureChannel(ctx context.Context, contactID, chatbotID, channelID, channelIdentifier string, channelData map[string]any) (contacts.ContactChannel, error) {
	key := chatbotID + "/" + channelID + "/" + channelIdentifier
	if l, ok := f.links[key]; ok {
		return l, nil
	}
	l := contacts.ContactChannel{ID: "link-" + channelIdentifier, ContactID: contactID, ChatbotID: chatbotID, ChannelID: channelID, ChannelIdentifier: channelIdentifier}
	f.links[key] = l
	return l, nil
}

type fakeConversations struct {
	threads map[string]conversations.Conversation
	next    int
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{threads: map[string]conversations.Conversation{}}
}

func (f *fakeConversations) FindOrCreate(ctx context.Context, channel chatbots.ChatbotChannel, externalConversationID, contactChannelID string) (conversations.ResolveResult, error) {
	key := channel.ID + "/" + externalConversationID
	if c, ok := f.threads[key]; ok {
		return conversations.ResolveResult{Conversation: c}, nil
	}
	f.next++
	c := conversations.Conversation{
		ID:                     "conv-" + externalConversationID,
		ChatbotChannelID:       channel.ID,
		OrganizationID:         channel.OrganizationID,
		ExternalConversationID: externalConversationID,
		ContactChannelID:       contactChannelID,
		Mode:                   channel.DefaultMode,
		Status:                 conversations.StatusActive,
	}
	f.threads[key] = c
	return conversations.ResolveResult{Conversation: c, Created: true}, nil
}

type fakeRecorder struct {
	incoming []messages.IncomingRequest
	outgoing []messages.OutgoingRequest
	sent     map[string]string
	pending  map[string]messages.Message // content -> claimable outgoing
	claimed  []string
	next     int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{sent: map[string]string{}, pending: map[string]messages.Message{}}
}

func (f *fakeRecorder) RecordIncoming(ctx context.Context, req messages.IncomingRequest) (messages.Message, error) {
	f.incoming = append(f.incoming, req)
	f.next++
	return messages.Message{ID: "msg-in", ConversationID: req.ConversationID, Type: messages.TypeIncoming, Content: req.Content}, nil
}

func (f *fakeRecorder) ClaimEcho(ctx context.Context, conversationID, content, externalMessageID string) (messages.Message, bool, error) {
	if msg, ok := f.pending[content]; ok {
		delete(f.pending, content)
		msg.ExternalMessageID = externalMessageID
		f.claimed = append(f.claimed, externalMessageID)
		return msg, true, nil
	}
	return messages.Message{}, false, nil
}

func (f *fakeRecorder) CreateOutgoing(ctx context.Context, req messages.OutgoingRequest) (messages.Message, error) {
	f.outgoing = append(f.outgoing, req)
	f.next++
	return messages.Message{ID: "msg-out", ConversationID: req.ConversationID, Type: messages.TypeOutgoing, Content: req.Content}, nil
}

func (f *fakeRecorder) MarkSent(ctx context.Context, id, externalMessageID string) error {
	f.sent[id] = externalMessageID
	return nil
}

type fakeTasks struct {
	aiJobs   []queue.AIResponseJob
	sendJobs []queue.OutboundSendJob
}

func (f *fakeTasks) EnqueueAIResponse(ctx context.Context, job queue.AIResponseJob) error {
	f.aiJobs = append(f.aiJobs, job)
	return nil
}

func (f *fakeTasks) EnqueueOutboundSend(ctx context.Context, job queue.OutboundSendJob) error {
	f.sendJobs = append(f.sendJobs, job)
	return nil
}

func testChannel() chatbots.ChatbotChannel {
	return chatbots.ChatbotChannel{
		ID:             "cc-1",
		ChatbotID:      "bot-1",
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ChannelSlug:    "whatsapp",
		DefaultMode:    chatbots.ModeAI,
	}
}

func newTestProcessor(t *testing.T, botChannel chatbots.ChatbotChannel) (*Processor, *fakeRecorder, *fakeTasks, *event.Hub) {
	t.Helper()
	hub := event.NewHub()
	resolver := NewResolver(nil, newFakeContacts(), newFakeConversations(), hub)
	recorder := newFakeRecorder()
	tasks := &fakeTasks{}
	processor := NewProcessor(nil, &fakeChannels{channel: botChannel}, resolver, recorder, tasks, hub)
	return processor, recorder, tasks, hub
}

func textEvent() inbound.Event {
	return inbound.Event{
		ChatbotChannelID:       "cc-1",
		ExternalConversationID: "15551234567",
		ContactDisplayName:     "Ada",
		SenderIdentifier:       "15551234567",
		Content:                "hello",
		ContentType:            inbound.ContentText,
		ExternalMessageID:      "ext-1",
	}
}

func TestProcessRecordsAndEnqueuesAI(t *testing.T) {
	processor, recorder, tasks, _ := newTestProcessor(t, testChannel())

	require.NoError(t, processor.Process(context.Background(), textEvent()))

	require.Len(t, recorder.incoming, 1)
	assert.Equal(t, "hello", recorder.incoming[0].Content)
	assert.Equal(t, "ext-1", recorder.incoming[0].ExternalMessageID)

	require.Len(t, tasks.aiJobs, 1)
	assert.Equal(t, "msg-in", tasks.aiJobs[0].MessageID)
}

func TestProcessHumanModeSkipsAI(t *testing.T) {
	botChannel := testChannel()
	botChannel.DefaultMode = chatbots.ModeHuman
	processor, recorder, tasks, _ := newTestProcessor(t, botChannel)

	require.NoError(t, processor.Process(context.Background(), textEvent()))

	assert.Len(t, recorder.incoming, 1)
	assert.Empty(t, tasks.aiJobs)
}

func TestProcessConversationCreatedFiresOnce(t *testing.T) {
	processor, _, _, hub := newTestProcessor(t, testChannel())

	_, events, cancel := hub.Subscribe("org-1", 16)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, processor.Process(ctx, textEvent()))
	evt2 := textEvent()
	evt2.ExternalMessageID = "ext-2"
	require.NoError(t, processor.Process(ctx, evt2))

	created := 0
	for {
		select {
		case e := <-events:
			if e.Type == event.TypeConversationCreated {
				created++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, created, "conversation-created must fire exactly once per thread")
}

func TestProcessEchoClaimsPendingOutgoing(t *testing.T) {
	processor, recorder, tasks, _ := newTestProcessor(t, testChannel())
	recorder.pending["our reply"] = messages.Message{ID: "msg-out-1", Type: messages.TypeOutgoing, Content: "our reply"}

	echo := textEvent()
	echo.Content = "our reply"
	echo.ExternalMessageID = "ext-echo"
	echo.IsEcho = true

	require.NoError(t, processor.Process(context.Background(), echo))

	assert.Equal(t, []string{"ext-echo"}, recorder.claimed)
	assert.Empty(t, recorder.incoming, "an echo must never create an incoming row")
	assert.Empty(t, recorder.outgoing)
	assert.Empty(t, tasks.aiJobs, "an echo must never trigger a response")
}

func TestProcessUnmatchedEchoStoredAsOutgoing(t *testing.T) {
	processor, recorder, tasks, _ := newTestProcessor(t, testChannel())

	echo := textEvent()
	echo.Content = "typed on the phone"
	echo.ExternalMessageID = "ext-device"
	echo.IsEcho = true

	require.NoError(t, processor.Process(context.Background(), echo))

	assert.Empty(t, recorder.incoming)
	require.Len(t, recorder.outgoing, 1)
	assert.Equal(t, messages.SenderHuman, recorder.outgoing[0].SenderType)
	assert.Equal(t, "ext-device", recorder.sent["msg-out"])
	assert.Empty(t, tasks.aiJobs)
}

func TestProcessRejectsInvalidEvent(t *testing.T) {
	processor, _, _, _ := newTestProcessor(t, testChannel())

	err := processor.Process(context.Background(), inbound.Event{Content: "no routing fields"})
	assert.True(t, inbound.IsMalformedPayload(err))
}

func TestResolveGroupKeepsGroupThread(t *testing.T) {
	hub := event.NewHub()
	conversationStore := newFakeConversations()
	resolver := NewResolver(nil, newFakeContacts(), conversationStore, hub)

	evt := inbound.Event{
		ChatbotChannelID:       "cc-1",
		ExternalConversationID: "12036304@g.us",
		SenderIdentifier:       "15551234567@c.us",
		Content:                "group hello",
		ContentType:            inbound.ContentText,
		IsGroup:                true,
	}

	conversation, err := resolver.Resolve(context.Background(), testChannel(), evt)
	require.NoError(t, err)
	assert.Equal(t, "12036304@g.us", conversation.ExternalConversationID)
	assert.Empty(t, conversation.ContactChannelID, "group threads are not pinned to one contact channel")
}

func TestIdentifierPhone(t *testing.T) {
	assert.Equal(t, "15551234567", identifierPhone("15551234567@c.us"))
	assert.Equal(t, "15551234567", identifierPhone("15551234567"))
	assert.Equal(t, "", identifierPhone("  "))
}
