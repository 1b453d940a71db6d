// Package auth はGoogle OAuthによる認証フローとアイデンティティ連携を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// ErrExternalAuth は外部IdPでのコード交換またはアサーション検証の失敗を表す。
// 呼び出し側は「認証失敗」として扱い、このレイヤーではリトライしない。
var ErrExternalAuth = errors.New("external authentication failed")

// OAuthUserInfo はOAuthプロバイダーから取得した検証済みユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       model.Provider
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// 将来的に複数IdP（Google, GitHub等）に対応するための抽象化。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、検証済みユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// TokenIssuer はセッショントークンの発行インターフェース。
// token.Serviceの部分集合として定義する。
type TokenIssuer interface {
	Issue(userID string) (string, error)
}

// MetricsRecorder はログイン結果のメトリクス記録インターフェース。
// metrics.Collectorの部分集合として定義する。nilの場合は記録しない。
type MetricsRecorder interface {
	RecordLoginSuccess(newUser bool)
	RecordLoginFailure(reason string)
}

// Service は認証に関するビジネスロジックを提供する。
// ログイン試行ごとの状態は持たず、共有状態はすべて永続化ストアに置く。
type Service struct {
	oauth     OAuthProvider
	userRepo  repository.UserRepository
	identRepo repository.IdentityRepository
	tokens    TokenIssuer
	metrics   MetricsRecorder
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	tokens TokenIssuer,
	metrics MetricsRecorder,
) *Service {
	return &Service{
		oauth:     oauth,
		userRepo:  userRepo,
		identRepo: identRepo,
		tokens:    tokens,
		metrics:   metrics,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// AuthenticateByGoogle は認可コードを検証し、セッショントークンを発行する。
// 未登録の外部アイデンティティの場合はusersレコードとidentitiesレコードを
// 同一トランザクションで自動作成する。登録済みの場合はidentitiesテーブルで
// 既存ユーザーを特定しログインする。
func (s *Service) AuthenticateByGoogle(ctx context.Context, code string) (string, error) {
	// 1. 認可コードを検証済みユーザー情報に交換
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		s.recordFailure("external_auth")
		return "", fmt.Errorf("%w: %v", ErrExternalAuth, err)
	}

	// 2. ローカルユーザーへ解決（新規の場合は作成）
	userID, newUser, err := s.resolveUser(ctx, userInfo)
	if err != nil {
		s.recordFailure("persistence")
		return "", err
	}

	// 3. セッショントークンを発行
	tokenString, err := s.tokens.Issue(userID)
	if err != nil {
		s.recordFailure("token_issue")
		return "", fmt.Errorf("failed to issue token: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordLoginSuccess(newUser)
	}

	return tokenString, nil
}

// resolveUser は検証済み外部アイデンティティをローカルユーザーIDへ解決する。
// 戻り値のboolは新規ユーザーを作成したかどうかを示す。
func (s *Service) resolveUser(ctx context.Context, userInfo *OAuthUserInfo) (string, bool, error) {
	// identitiesテーブルで既存ユーザーを検索
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return "", false, fmt.Errorf("failed to find identity: %w", err)
	}

	if identity != nil {
		// 既存ユーザー: identityからユーザーIDを取得
		slog.Info("existing user logged in",
			slog.String("user_id", identity.UserID),
			slog.String("provider", string(userInfo.Provider)),
		)
		return identity.UserID, false, nil
	}

	// 新規ユーザー: usersレコードとidentitiesレコードを同時に作成
	newUserID := uuid.New().String()
	now := time.Now()

	newUser := &model.User{
		ID:        newUserID,
		Email:     userInfo.Email,
		Name:      userInfo.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	newIdentity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         newUserID,
		Provider:       userInfo.Provider,
		ProviderUserID: userInfo.ProviderUserID,
		CreatedAt:      now,
	}

	err = s.userRepo.CreateWithIdentity(ctx, newUser, newIdentity)
	if errors.Is(err, repository.ErrDuplicateLink) {
		// 同一外部アイデンティティの同時初回ログインに負けた。
		// 行は既に存在するので再検索して既存ユーザーとして続行する。
		slog.Info("concurrent first login detected, resolving to existing user",
			slog.String("provider", string(userInfo.Provider)),
		)
		identity, lookupErr := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
		if lookupErr != nil {
			return "", false, fmt.Errorf("failed to find identity after duplicate link: %w", lookupErr)
		}
		if identity == nil {
			return "", false, fmt.Errorf("identity missing after duplicate link conflict")
		}
		return identity.UserID, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", newUserID),
		slog.String("email", userInfo.Email),
		slog.String("provider", string(userInfo.Provider)),
	)

	return newUserID, true, nil
}

// GetCurrentUser は認証済みユーザーIDからユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found")
	}

	return user, nil
}

// recordFailure はログイン失敗のメトリクスを記録する。
func (s *Service) recordFailure(reason string) {
	if s.metrics != nil {
		s.metrics.RecordLoginFailure(reason)
	}
}
