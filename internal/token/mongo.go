package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/daehan-lim/stock-insight/internal/observ"
)

const (
	tokenCollection = "token_cache"
	credCollection  = "credentials"
	tokenDocID      = "kis_access_token"
	credDocID       = "kis_app_credential"
)

// MongoStore is the shared remote tier. It doubles as the primary
// credential store. When no URI is configured the store reports itself
// disabled and every operation is a no-op miss, mirroring how the rest
// of the pipeline degrades when a provider is unconfigured.
type MongoStore struct {
	mu       sync.Mutex
	client   *mongo.Client
	database string
	uri      string
	disabled bool
}

// NewMongoStore prepares the tier without connecting. An empty URI
// yields a permanently disabled store.
func NewMongoStore(uri, database string) *MongoStore {
	s := &MongoStore{uri: uri, database: database}
	if uri == "" {
		s.disabled = true
		observ.Log("token_remote_tier_disabled", map[string]any{"reason": "no URI configured"})
	}
	return s
}

func (s *MongoStore) Name() string { return "remote" }

// Enabled reports whether the tier can serve requests.
func (s *MongoStore) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled
}

// connect dials lazily on first use. A failed dial disables the tier for
// the rest of the process rather than stalling every token read.
func (s *MongoStore) connect(ctx context.Context) (*mongo.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return nil, nil
	}
	if s.client != nil {
		return s.client, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(s.uri))
	if err != nil {
		s.disabled = true
		observ.Log("token_remote_tier_disabled", map[string]any{"reason": "connect failed", "error": err.Error()})
		return nil, err
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		s.disabled = true
		observ.Log("token_remote_tier_disabled", map[string]any{"reason": "ping failed", "error": err.Error()})
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.client = client
	return client, nil
}

func (s *MongoStore) Get(ctx context.Context) (*CachedToken, error) {
	client, err := s.connect(ctx)
	if client == nil || err != nil {
		return nil, nil // disabled tier is a miss
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc struct {
		CachedToken `bson:",inline"`
	}
	coll := client.Database(s.database).Collection(tokenCollection)
	err = coll.FindOne(opCtx, bson.M{"_id": tokenDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.Token == "" {
		return nil, nil
	}
	tok := doc.CachedToken
	return &tok, nil
}

func (s *MongoStore) Set(ctx context.Context, tok *CachedToken) error {
	client, err := s.connect(ctx)
	if client == nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	coll := client.Database(s.database).Collection(tokenCollection)
	_, err = coll.ReplaceOne(opCtx,
		bson.M{"_id": tokenDocID},
		bson.M{
			"_id":       tokenDocID,
			"token":     tok.Token,
			"issuedAt":  tok.IssuedAt,
			"expiresAt": tok.ExpiresAt,
		},
		options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) Invalidate(ctx context.Context) error {
	client, err := s.connect(ctx)
	if client == nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	coll := client.Database(s.database).Collection(tokenCollection)
	_, err = coll.DeleteOne(opCtx, bson.M{"_id": tokenDocID})
	return err
}

// GetCredential reads the app key/secret document from the primary
// credential store.
func (s *MongoStore) GetCredential(ctx context.Context) (*Credential, error) {
	client, err := s.connect(ctx)
	if client == nil || err != nil {
		return nil, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc struct {
		AppKey    string `bson:"appKey"`
		AppSecret string `bson:"appSecret"`
	}
	coll := client.Database(s.database).Collection(credCollection)
	err = coll.FindOne(opCtx, bson.M{"_id": credDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.AppKey == "" || doc.AppSecret == "" {
		return nil, nil
	}
	return &Credential{AppKey: doc.AppKey, AppSecret: doc.AppSecret, Source: SourcePrimaryStore}, nil
}

// SetCredential upserts the credential document. Used by the best-effort
// write-back when validated fallback credentials replace stale ones.
func (s *MongoStore) SetCredential(ctx context.Context, cred *Credential) error {
	client, err := s.connect(ctx)
	if client == nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	coll := client.Database(s.database).Collection(credCollection)
	_, err = coll.ReplaceOne(opCtx,
		bson.M{"_id": credDocID},
		bson.M{
			"_id":       credDocID,
			"appKey":    cred.AppKey,
			"appSecret": cred.AppSecret,
			"updatedAt": time.Now().UTC(),
		},
		options.Replace().SetUpsert(true))
	return err
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	s.client = nil
	return err
}
