// Package token は署名付きセッショントークン（JWT）の発行と検証を提供する。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 検証失敗の種別。呼び出し側は一律「未認証」として扱ってもよいが、
// 期限切れ（再ログイン促し）と署名不正（セキュリティイベント）を
// 区別できるように別個のエラーとして返す。
var (
	// ErrMalformed はトークンの形式が不正な場合のエラー。
	ErrMalformed = errors.New("token is malformed")
	// ErrBadSignature はトークンの署名が検証できない場合のエラー。
	ErrBadSignature = errors.New("token signature is invalid")
	// ErrExpired はトークンの有効期限が切れている場合のエラー。
	ErrExpired = errors.New("token is expired")
)

// ServiceConfig はトークンサービスの設定。
// 署名鍵は環境変数から起動時に1回読み込み、プロセス中はローテーションしない。
type ServiceConfig struct {
	Secret []byte        // HMAC-SHA256署名鍵
	TTL    time.Duration // トークン有効期間
}

// Service はHS256署名のJWTを発行・検証する。
// 状態を持たず、(トークン, 現在時刻, 署名鍵)のみに依存する。
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService はServiceを生成する。
func NewService(config ServiceConfig) *Service {
	return &Service{
		secret: config.Secret,
		ttl:    config.TTL,
		now:    time.Now,
	}
}

// Issue は指定ユーザーIDをsubjectとするJWTを発行する。
// クレームはsub、iat、exp（iat + TTL）の3つ。
func (s *Service) Issue(userID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Validate はトークンの署名と有効期限を検証し、subject（ユーザーID）を返す。
// 失敗はErrMalformed、ErrBadSignature、ErrExpiredのいずれかにマップされる。
func (s *Service) Validate(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", mapParseError(err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrMalformed)
	}

	return claims.Subject, nil
}

// ExtractSubject は有効期限を検証せずにsubjectを取り出す。
// 期限切れトークンのログ・診断用であり、認可判断に使ってはならない。
// 署名の検証は行う。
func (s *Service) ExtractSubject(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", mapParseError(err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrMalformed)
	}

	return claims.Subject, nil
}

// keyFunc は署名検証用の鍵を返す。
func (s *Service) keyFunc(t *jwt.Token) (interface{}, error) {
	return s.secret, nil
}

// mapParseError はjwtパッケージのエラーをこのパッケージのエラー種別にマップする。
func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
