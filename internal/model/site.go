package model

// Site は取り込み元の外部サイトを表す。
// 既知サイトの閉じた集合であり、判別できないURLはSiteUnknownになる。
type Site string

const (
	SiteDanbooru Site = "danbooru"
	SiteGelbooru Site = "gelbooru"
	SiteE621     Site = "e621"
	SiteYandere  Site = "yandere"
	// SitePixiv は判別はできるがダウンローダーを持たないサイト。
	SitePixiv   Site = "pixiv"
	SiteUnknown Site = "unknown"
)

// ParseSite は文字列をSiteに変換する。未知の値はSiteUnknownを返す。
func ParseSite(s string) Site {
	switch Site(s) {
	case SiteDanbooru, SiteGelbooru, SiteE621, SiteYandere, SitePixiv:
		return Site(s)
	default:
		return SiteUnknown
	}
}
