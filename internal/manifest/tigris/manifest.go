// Package tigris 注册 Tigris 餐厅站点的预缓存清单（页面路由、关键静态资源与离线页）。
package tigris

import "github.com/tigris-pwa/tigris-cache/internal/manifest"

// Key 是配置中 Origin.Manifest 引用的清单键。
const Key = "tigris"

// CacheName 是当前清单版本；修改 Routes/Assets 时必须同步递增。
const CacheName = "tigris-pwa-v1"

// OfflinePage 是网络不可用且未命中缓存时返回的文档。
const OfflinePage = "/offline.html"

var routes = []string{
	"/",
	"/menu",
	"/gallery",
	"/catering",
	"/our-story",
	"/contact",
	"/privacy",
	"/terms",
}

var assets = []string{
	"/assets/css/custom_css.css",
	"/assets/js/jarallax.js",
	"/assets/js/gallery.js",
	"/assets/js/menu.js",
	"/assets/js/a11y-ux.js",
	"/assets/js/showMenuItems.js",
	"/assets/js/scrollspye.js",
	"/assets/js/scrollbar.js",
	"/assets/js/prefetch.js",
	"/assets/js/navbar.js",
	"/assets/js/menu-schema.js",
	"/assets/js/itemModal.js",
	"/assets/js/homeAnimation.js",
	"/assets/js/formHandler.js",
	"/assets/js/contact.js",
	"/assets/js/catering.js",
	"/assets/js/alertModal.js",
	"/assets/images/logo/red_logo_240x170.jpeg",
	"/assets/images/logo/red_logo_120X85.jpeg",
	"/offline",
}

func init() {
	manifest.MustRegister(manifest.Manifest{
		Key:         Key,
		Description: "Tigris restaurant site: page routes, key assets and offline page",
		CacheName:   CacheName,
		Routes:      routes,
		Assets:      assets,
		OfflinePage: OfflinePage,
	})
}
