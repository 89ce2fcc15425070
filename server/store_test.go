package server

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorlink/chatkit/models"
)

type storeFixture struct {
	ctx   context.Context
	db    *sql.DB
	store *Store
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)

	goose.SetBaseFS(os.DirFS("../migrations"))
	require.NoError(t, goose.SetDialect("sqlite3"))
	require.NoError(t, goose.Up(db, "."))

	t.Cleanup(func() {
		goose.Down(db, ".")
		db.Close()
	})

	return &storeFixture{
		ctx:   context.Background(),
		db:    db,
		store: NewStore(db),
	}
}

func (f *storeFixture) createUser(t *testing.T, name, email string) models.UserWithoutSecrets {
	t.Helper()
	u, err := f.store.CreateUser(f.ctx, models.User{
		Name: name, Email: email, Password: "hashed",
	})
	require.NoError(t, err)
	return u
}

func (f *storeFixture) createPair(t *testing.T) (models.UserWithoutSecrets, models.UserWithoutSecrets, string) {
	t.Helper()
	alice := f.createUser(t, "Alice", "alice@example.com")
	bob := f.createUser(t, "Bob", "bob@example.com")
	convID, err := f.store.CreateConversation(f.ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	return alice, bob, convID
}

func TestCreateUser(t *testing.T) {
	f := newStoreFixture(t)

	created := f.createUser(t, "Alice", "alice@example.com")
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Alice", created.Name)

	t.Run("duplicate email conflicts", func(t *testing.T) {
		_, err := f.store.CreateUser(f.ctx, models.User{
			Name: "Other", Email: "alice@example.com", Password: "hashed",
		})
		assert.ErrorIs(t, err, ErrConflictedUser)
	})

	t.Run("lookup by email includes the password hash", func(t *testing.T) {
		u, err := f.store.GetUserByEmail(f.ctx, "alice@example.com")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "hashed", u.Password)
	})

	t.Run("missing user is nil, not an error", func(t *testing.T) {
		u, err := f.store.GetUserByEmail(f.ctx, "nobody@example.com")
		require.NoError(t, err)
		assert.Nil(t, u)

		byID, err := f.store.GetUserByID(f.ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, byID)
	})
}

func TestCreateConversation(t *testing.T) {
	f := newStoreFixture(t)
	alice, bob, convID := f.createPair(t)

	t.Run("both users are members", func(t *testing.T) {
		for _, id := range []string{alice.ID, bob.ID} {
			member, err := f.store.IsMember(f.ctx, convID, id)
			require.NoError(t, err)
			assert.True(t, member)
		}
		member, err := f.store.IsMember(f.ctx, convID, "stranger")
		require.NoError(t, err)
		assert.False(t, member)
	})

	t.Run("needs two distinct existing users", func(t *testing.T) {
		_, err := f.store.CreateConversation(f.ctx, alice.ID, alice.ID)
		assert.ErrorIs(t, err, ErrInvalidUser)

		_, err = f.store.CreateConversation(f.ctx, alice.ID, "missing")
		assert.ErrorIs(t, err, ErrInvalidUser)
	})

	t.Run("members are listed with display info", func(t *testing.T) {
		members, err := f.store.Members(f.ctx, convID)
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, "Alice", members[0].Name)
		assert.Equal(t, "Bob", members[1].Name)
	})
}

func TestCreateMessage(t *testing.T) {
	f := newStoreFixture(t)
	alice, bob, convID := f.createPair(t)

	t.Run("assigns id and timestamp", func(t *testing.T) {
		created, err := f.store.CreateMessage(f.ctx, models.Message{
			ConversationID: convID,
			SenderID:       alice.ID,
			Content:        "hello",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.False(t, created.CreatedAt.IsZero())
		assert.False(t, created.Read)
	})

	t.Run("empty message is invalid", func(t *testing.T) {
		_, err := f.store.CreateMessage(f.ctx, models.Message{
			ConversationID: convID,
			SenderID:       alice.ID,
		})
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("non-member cannot send", func(t *testing.T) {
		stranger := f.createUser(t, "Eve", "eve@example.com")
		_, err := f.store.CreateMessage(f.ctx, models.Message{
			ConversationID: convID,
			SenderID:       stranger.ID,
			Content:        "hello",
		})
		assert.ErrorIs(t, err, ErrInvalidConversation)
	})

	t.Run("attachment round trips", func(t *testing.T) {
		created, err := f.store.CreateMessage(f.ctx, models.Message{
			ConversationID: convID,
			SenderID:       bob.ID,
			Attachment: &models.Attachment{
				URL:      "/uploads/x.pdf",
				MIMEType: "application/pdf",
				Filename: "notes.pdf",
			},
		})
		require.NoError(t, err)

		msgs, err := f.store.Messages(f.ctx, convID, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, created.ID, msgs[0].ID)
		require.NotNil(t, msgs[0].Attachment)
		assert.Equal(t, "notes.pdf", msgs[0].Attachment.Filename)
	})
}

func TestMessages(t *testing.T) {
	f := newStoreFixture(t)
	alice, bob, convID := f.createPair(t)

	var ids []string
	for _, content := range []string{"one", "two", "three"} {
		m, err := f.store.CreateMessage(f.ctx, models.Message{
			ConversationID: convID, SenderID: alice.ID, Content: content,
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	t.Run("newest first with sender display info", func(t *testing.T) {
		msgs, err := f.store.Messages(f.ctx, convID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, ids[2], msgs[0].ID)
		assert.Equal(t, ids[0], msgs[2].ID)
		assert.Equal(t, "Alice", msgs[0].SenderName)
	})

	t.Run("limit caps the page", func(t *testing.T) {
		msgs, err := f.store.Messages(f.ctx, convID, 2)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})

	t.Run("mark read flips only the peer's view", func(t *testing.T) {
		require.NoError(t, f.store.MarkRead(f.ctx, convID, bob.ID))

		msgs, err := f.store.Messages(f.ctx, convID, 0)
		require.NoError(t, err)
		for _, m := range msgs {
			assert.True(t, m.Read)
		}

		// reading your own messages changes nothing
		m, err := f.store.CreateMessage(f.ctx, models.Message{
			ConversationID: convID, SenderID: alice.ID, Content: "four",
		})
		require.NoError(t, err)
		require.NoError(t, f.store.MarkRead(f.ctx, convID, alice.ID))
		msgs, err = f.store.Messages(f.ctx, convID, 1)
		require.NoError(t, err)
		assert.Equal(t, m.ID, msgs[0].ID)
		assert.False(t, msgs[0].Read)
	})

	t.Run("mark read requires membership", func(t *testing.T) {
		err := f.store.MarkRead(f.ctx, convID, "stranger")
		assert.ErrorIs(t, err, ErrInvalidConversation)
	})
}

func TestConversations(t *testing.T) {
	f := newStoreFixture(t)
	alice, bob, convID := f.createPair(t)

	carol := f.createUser(t, "Carol", "carol@example.com")
	convID2, err := f.store.CreateConversation(f.ctx, alice.ID, carol.ID)
	require.NoError(t, err)

	_, err = f.store.CreateMessage(f.ctx, models.Message{
		ConversationID: convID, SenderID: bob.ID, Content: "latest",
	})
	require.NoError(t, err)

	t.Run("most recently updated first with last message", func(t *testing.T) {
		conversations, err := f.store.Conversations(f.ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, conversations, 2)
		assert.Equal(t, convID, conversations[0].ID)
		require.NotNil(t, conversations[0].LastMessage)
		assert.Equal(t, "latest", conversations[0].LastMessage.Content)
		assert.Nil(t, conversations[1].LastMessage)
		assert.Len(t, conversations[0].Participants, 2)
	})

	t.Run("scoped to the user", func(t *testing.T) {
		conversations, err := f.store.Conversations(f.ctx, carol.ID)
		require.NoError(t, err)
		require.Len(t, conversations, 1)
		assert.Equal(t, convID2, conversations[0].ID)
	})
}
