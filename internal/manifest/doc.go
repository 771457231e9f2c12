// Package manifest 描述离线缓存需要预取的固定 URL 清单，并提供编译期注册入口。
//
// 站点作者需要：
//  1. 在 internal/manifest/<site>/ 目录下声明路由、静态资源与唯一的离线页面；
//  2. 通过本包暴露的 MustRegister 在 init() 中注册清单；
//  3. 清单内容变化时同步修改 CacheName，否则旧条目永远不会被刷新。
//
// 清单在运行时不可修改，配置文件只能按 Key 选择已注册的清单。
package manifest
