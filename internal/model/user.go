// Package model はドメインモデルを定義する。
package model

import "time"

// Provider は外部IdPの種別を表す。
type Provider string

const (
	// ProviderGoogle はGoogle OAuthによる認証を示す。
	ProviderGoogle Provider = "google"
)

// User はサービス利用ユーザーを表す。
// 初回ログイン時に認証サービスのみが作成し、IDは以後不変。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity は外部IdPとローカルユーザーの紐付け情報を表す。
// (Provider, ProviderUserID) の組はシステム全体で一意。
// 将来的に複数のIdP（GitHub等）を追加してもUser IDの移行は不要な構造。
type Identity struct {
	ID             string
	UserID         string
	Provider       Provider
	ProviderUserID string
	CreatedAt      time.Time
}
